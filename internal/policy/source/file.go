package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/fsnotify/fsnotify"
)

// FileSource reads the policy document from a local YAML or JSON file and
// watches it for changes.
type FileSource struct {
	path     string
	debounce time.Duration
	log      *slog.Logger
}

func NewFileSource(path string) *FileSource {
	return &FileSource{
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		log:      slog.Default().With("component", "policy.file"),
	}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Fetch(_ context.Context) (Payload, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Payload{}, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := Parse(raw, formatFromExt(s.path))
	if err != nil {
		return Payload{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return Payload{Doc: doc, Version: Version(raw)}, nil
}

// Watch watches the file's directory so editors that replace the file by
// rename are still seen. Bursts of events collapse into one onChange.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.log.Info("policy file watcher started", "path", s.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			s.log.Debug("policy file event", "op", ev.Op.String())
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, onChange)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			s.log.Error("policy file watcher error", "err", err)
		}
	}
}

func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	}
	return ""
}
