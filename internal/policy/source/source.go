// Package source fetches policy documents from outside the process.
package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
)

// Document is the wire form of a policy override. Absent fields keep the
// configured value.
type Document struct {
	FreeLimit  int64                          `json:"freeLimit,omitempty"  yaml:"freeLimit,omitempty"`
	Bypass     *bool                          `json:"bypass,omitempty"     yaml:"bypass,omitempty"`
	Operations map[string]config.OperationCfg `json:"operations,omitempty" yaml:"operations,omitempty"`
}

// Empty reports whether the document overrides nothing.
func (d Document) Empty() bool {
	return d.FreeLimit == 0 && d.Bypass == nil && len(d.Operations) == 0
}

// Validate rejects values the gate cannot apply.
func (d Document) Validate() error {
	if d.FreeLimit < 0 {
		return fmt.Errorf("freeLimit must not be negative, got %d", d.FreeLimit)
	}
	for op, oc := range d.Operations {
		if op == "" {
			return errors.New("operation with empty name")
		}
		if oc.PerMinute < 0 || oc.Burst < 0 {
			return fmt.Errorf("operations.%s: negative rate", op)
		}
	}
	return nil
}

// Payload is a normalized document fetched from a source.
type Payload struct {
	Doc     Document
	Version string
}

// PolicySource fetches the current policy document.
type PolicySource interface {
	Name() string
	Fetch(ctx context.Context) (Payload, error)
}

// Watcher is implemented by sources that can push change notifications.
// Watch blocks until ctx is done, calling onChange after each change.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Version fingerprints a raw payload.
func Version(raw []byte) string {
	sum := md5.Sum(raw)
	return fmt.Sprintf("%x", sum[:])
}

// Parse decodes a JSON or YAML document. An empty format tries JSON first.
func Parse(raw []byte, format string) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Document{}, errors.New("empty policy payload")
	}

	format = strings.ToLower(strings.TrimSpace(format))

	var (
		doc Document
		ok  bool
	)
	switch format {
	case "json":
		if doc, ok = tryParseJSON(trimmed); !ok {
			return Document{}, errors.New("invalid json policy payload")
		}
	case "yaml", "yml":
		if doc, ok = tryParseYAML(trimmed); !ok {
			return Document{}, errors.New("invalid yaml policy payload")
		}
	case "":
		if doc, ok = tryParseJSON(trimmed); !ok {
			doc, ok = tryParseYAML(trimmed)
		}
		if !ok {
			return Document{}, errors.New("unsupported policy payload format")
		}
	default:
		slog.Warn("unknown policy payload format", "format", format)
		return Document{}, fmt.Errorf("unsupported policy format %q", format)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func tryParseJSON(raw []byte) (Document, bool) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, false
	}
	return doc, true
}

func tryParseYAML(raw []byte) (Document, bool) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, false
	}
	return doc, true
}
