package api

import (
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/engine"
)

type GenerateRequest struct {
	Prompt    string           `json:"prompt"`
	WorldID   string           `json:"worldId,omitempty"`
	History   []engine.Message `json:"history,omitempty"`
	MaxTokens int              `json:"maxTokens,omitempty"`
}

type ImageRequest struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"` // e.g. "1024x1024"
}

type ImageResponse struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

type WorldRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type KeyRequest struct {
	APIKey string `json:"apiKey"`
}

type KeyResponse struct {
	HasKey bool   `json:"hasKey"`
	Masked string `json:"masked,omitempty"`
	Source string `json:"source,omitempty"` // header | stored
}

// RateLimitResponse is the body of every 429.
type RateLimitResponse struct {
	Error          string `json:"error"`
	UsageCount     int64  `json:"usageCount"`
	DailyLimit     int64  `json:"dailyLimit"`
	RequiresAPIKey bool   `json:"requiresApiKey"`
	BurstLimit     int    `json:"burstLimit,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RetryAfter     int64  `json:"retryAfter,omitempty"` // seconds
}

type PolicyResponse struct {
	FreeLimit  int64                          `json:"freeLimit"`
	Bypass     bool                           `json:"bypass"`
	Operations map[string]config.OperationCfg `json:"operations"`
	Version    string                         `json:"version"`
	Source     string                         `json:"source"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
