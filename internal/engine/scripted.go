package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Scripted is a deterministic engine for development and tests. It streams
// the prompt back word by word unless fixed chunks are configured.
type Scripted struct {
	chunks    []string
	latency   time.Duration
	failAfter int
	staticErr error
	image     []byte
	callCount atomic.Int64
	lastKey   atomic.Value
}

var _ Engine = (*Scripted)(nil)

type ScriptedOption func(*Scripted)

// WithChunks fixes the chunks every stream yields.
func WithChunks(chunks ...string) ScriptedOption {
	return func(s *Scripted) { s.chunks = chunks }
}

// WithLatency delays each chunk.
func WithLatency(d time.Duration) ScriptedOption {
	return func(s *Scripted) { s.latency = d }
}

// WithFailAfter makes every stream fail after n chunks.
func WithFailAfter(n int) ScriptedOption {
	return func(s *Scripted) { s.failAfter = n }
}

// WithError makes Generate and GenerateImage fail up front.
func WithError(err error) ScriptedOption {
	return func(s *Scripted) { s.staticErr = err }
}

func WithImage(b []byte) ScriptedOption {
	return func(s *Scripted) { s.image = b }
}

func NewScripted(opts ...ScriptedOption) *Scripted {
	s := &Scripted{
		// 1x1 transparent PNG
		image: []byte{
			0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
			0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
			0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
			0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
			0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
			0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scripted) Name() string { return "scripted" }

// Calls returns how many generations were started.
func (s *Scripted) Calls() int64 { return s.callCount.Load() }

// LastKey returns the personal key seen by the most recent call.
func (s *Scripted) LastKey() string {
	v, _ := s.lastKey.Load().(string)
	return v
}

func (s *Scripted) Generate(ctx context.Context, req Request) (Stream, error) {
	s.callCount.Add(1)
	s.lastKey.Store(req.APIKey)
	if s.staticErr != nil {
		return nil, s.staticErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunks := s.chunks
	if len(chunks) == 0 {
		for _, w := range strings.Fields(req.Prompt) {
			chunks = append(chunks, w+" ")
		}
	}
	return &scriptedStream{chunks: chunks, latency: s.latency, failAfter: s.failAfter}, nil
}

func (s *Scripted) GenerateImage(ctx context.Context, req ImageRequest) (Image, error) {
	s.callCount.Add(1)
	s.lastKey.Store(req.APIKey)
	if s.staticErr != nil {
		return Image{}, s.staticErr
	}
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	data := make([]byte, len(s.image))
	copy(data, s.image)
	return Image{Data: data, ContentType: "image/png"}, nil
}

type scriptedStream struct {
	chunks    []string
	latency   time.Duration
	failAfter int
	pos       int
	closed    bool
}

func (st *scriptedStream) Next(ctx context.Context) (string, error) {
	if st.closed || st.pos >= len(st.chunks) {
		return "", io.EOF
	}
	if st.failAfter > 0 && st.pos >= st.failAfter {
		return "", fmt.Errorf("%w: scripted failure after %d chunks", ErrUpstream, st.pos)
	}
	if st.latency > 0 {
		t := time.NewTimer(st.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	c := st.chunks[st.pos]
	st.pos++
	return c, nil
}

func (st *scriptedStream) Close() error {
	st.closed = true
	return nil
}
