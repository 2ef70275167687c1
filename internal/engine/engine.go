// Package engine adapts text and image generation backends.
package engine

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	ErrUpstream       = errors.New("engine: upstream generation failure")
	ErrRateLimited    = errors.New("engine: rate limited by provider")
	ErrAuthFailed     = errors.New("engine: provider rejected credentials")
	ErrInvalidRequest = errors.New("engine: invalid request")
)

// Message is one turn of prior context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks for a streamed text generation.
type Request struct {
	Prompt    string
	System    string
	History   []Message
	Model     string
	MaxTokens int
	// APIKey is the caller's own provider key; empty means the service key.
	APIKey string
}

// ImageRequest asks for one image.
type ImageRequest struct {
	Prompt string
	Size   string
	Model  string
	APIKey string
}

// Image is a generated image.
type Image struct {
	Data        []byte
	ContentType string
}

// Stream yields text chunks in production order until io.EOF. Next honours
// ctx cancellation.
type Stream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Engine produces generations.
type Engine interface {
	Name() string
	Generate(ctx context.Context, req Request) (Stream, error)
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}
