package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompat talks to any OpenAI-compatible chat and image API.
type OpenAICompat struct {
	baseURL    string
	model      string
	imageModel string
	serviceKey string
	// imageTimeout bounds non-streamed image calls.
	imageTimeout time.Duration
	httpClient   *http.Client
}

// OpenAIOption configures OpenAICompat.
type OpenAIOption func(*OpenAICompat)

func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAICompat) { p.httpClient = c }
}

func WithModels(text, image string) OpenAIOption {
	return func(p *OpenAICompat) {
		if text != "" {
			p.model = text
		}
		if image != "" {
			p.imageModel = image
		}
	}
}

func WithImageTimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAICompat) { p.imageTimeout = d }
}

// WithServiceKey sets the key used when a request carries none.
func WithServiceKey(key string) OpenAIOption {
	return func(p *OpenAICompat) { p.serviceKey = key }
}

func NewOpenAICompat(baseURL string, opts ...OpenAIOption) *OpenAICompat {
	p := &OpenAICompat{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        "gpt-4o-mini",
		imageModel:   "gpt-image-1",
		imageTimeout: 60 * time.Second,
		// Streams are bounded by the request context, not a client timeout.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAICompat) Name() string { return "openai" }

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiChatRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Stream    bool         `json:"stream"`
}

type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type apiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size,omitempty"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
}

type apiImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (p *OpenAICompat) Generate(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]apiMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, apiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, apiMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, apiMessage{Role: "user", Content: req.Prompt})

	model := req.Model
	if model == "" {
		model = p.model
	}
	resp, err := p.post(ctx, "/chat/completions", p.key(req.APIKey), apiChatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	return &sseStream{reader: bufio.NewReader(resp.Body), body: resp.Body}, nil
}

func (p *OpenAICompat) GenerateImage(ctx context.Context, req ImageRequest) (Image, error) {
	model := req.Model
	if model == "" {
		model = p.imageModel
	}
	if p.imageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.imageTimeout)
		defer cancel()
	}
	resp, err := p.post(ctx, "/images/generations", p.key(req.APIKey), apiImageRequest{
		Model:          model,
		Prompt:         req.Prompt,
		Size:           req.Size,
		N:              1,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()

	var out apiImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Image{}, fmt.Errorf("%w: decode image response: %w", ErrUpstream, err)
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return Image{}, fmt.Errorf("%w: empty image response", ErrUpstream)
	}
	data, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return Image{}, fmt.Errorf("%w: decode image data: %w", ErrUpstream, err)
	}
	return Image{Data: data, ContentType: http.DetectContentType(data)}, nil
}

func (p *OpenAICompat) key(callerKey string) string {
	if callerKey != "" {
		return callerKey
	}
	return p.serviceKey
}

func (p *OpenAICompat) post(ctx context.Context, path, key string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
}

// sseStream parses the provider's Server-Sent Events.
type sseStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	done   bool
}

func (s *sseStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
				// Only [DONE] ends a generation; a bare EOF is a cut stream.
				return "", fmt.Errorf("%w: stream ended before [DONE]", ErrUpstream)
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: read stream: %w", ErrUpstream, err)
			}
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("%w: %s", ErrUpstream, chunk.Error.Message)
		}
		var sb strings.Builder
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
