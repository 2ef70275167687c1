package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/engine"
	"github.com/nanjiek/pixiu-quota/internal/store"
	"github.com/nanjiek/pixiu-quota/internal/stream"
)

const maxPromptRunes = 8000

func (s *Server) generateHandler(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		errResp(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if utf8.RuneCountInString(req.Prompt) > maxPromptRunes {
		errResp(w, http.StatusBadRequest, fmt.Sprintf("prompt exceeds %d characters", maxPromptRunes))
		return
	}

	c, ok := s.resolveCaller(w, r)
	if !ok {
		return
	}

	var system string
	if req.WorldID != "" {
		world, err := s.Store.GetWorld(r.Context(), c.id.Key, req.WorldID)
		if err != nil {
			s.storeError(w, err, "world")
			return
		}
		system = "World: " + world.Name
		if world.Description != "" {
			system += "\n" + world.Description
		}
	}

	// Rejected requests never reach the engine.
	if !s.consume(w, r, config.OpGeneration, c) {
		return
	}

	relay, ctx := stream.New(w, r, stream.WithMetrics(s.Metrics), stream.WithLogger(s.logger))
	src, err := s.Engine.Generate(ctx, engine.Request{
		Prompt:    req.Prompt,
		System:    system,
		History:   req.History,
		MaxTokens: req.MaxTokens,
		APIKey:    c.personal,
	})
	if err != nil {
		relay.Fail(engineStatus(err), err)
		return
	}
	if err := relay.Pipe(ctx, src); err != nil {
		s.logger.Warn("generation stream ended with error", "stream_id", relay.ID(), "subject", c.id.Key, "err", err)
	}
}

func (s *Server) createImageHandler(w http.ResponseWriter, r *http.Request) {
	var req ImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		errResp(w, http.StatusBadRequest, "prompt is required")
		return
	}

	c, ok := s.resolveCaller(w, r)
	if !ok {
		return
	}
	if !s.consume(w, r, config.OpImage, c) {
		return
	}

	img, err := s.Engine.GenerateImage(r.Context(), engine.ImageRequest{
		Prompt: req.Prompt,
		Size:   req.Size,
		APIKey: c.personal,
	})
	if err != nil {
		s.logger.Warn("image generation failed", "subject", c.id.Key, "err", err)
		errResp(w, engineStatus(err), "image generation failed: "+err.Error())
		return
	}
	rec, err := s.Store.SaveImage(r.Context(), c.id.Key, req.Prompt, img.ContentType, img.Data)
	if err != nil {
		s.logger.Error("image not stored", "subject", c.id.Key, "err", err)
		errResp(w, http.StatusInternalServerError, "failed to store image")
		return
	}
	writeJSON(w, http.StatusCreated, ImageResponse{
		ID:          rec.ID,
		URL:         "/v1/images/" + rec.ID,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		CreatedAt:   rec.CreatedAt,
	})
}

func (s *Server) getImageHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetImage(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err, "image")
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Data)
}

func (s *Server) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		errResp(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("record store failed", "what", what, "err", err)
	errResp(w, http.StatusInternalServerError, "record store failed")
}

// engineStatus maps an engine failure to the status sent before any bytes
// were flushed.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
