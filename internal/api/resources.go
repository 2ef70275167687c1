package api

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/credential"
	"github.com/nanjiek/pixiu-quota/internal/gate"
	"github.com/nanjiek/pixiu-quota/internal/policy"
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
	"github.com/nanjiek/pixiu-quota/internal/quota"
)

const maxWorldNameRunes = 200

// ---------------- Usage ----------------

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.resolveCaller(w, r)
	if !ok {
		return
	}
	u, err := s.Gate.Usage(r.Context(), c.subject())
	if err != nil {
		s.gateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ---------------- Admin ----------------

func (s *Server) adminUsageHandler(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	u, err := s.Gate.Usage(r.Context(), gate.Subject{Key: subject})
	if err != nil {
		s.gateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) adminResetHandler(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	if err := s.Gate.Reset(r.Context(), subject); err != nil {
		if errors.Is(err, quota.ErrEmptySubject) {
			errResp(w, http.StatusBadRequest, err.Error())
			return
		}
		s.gateError(w, err)
		return
	}
	s.logger.Info("usage reset", "subject", subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPolicyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, policyView(s.Policies.Current()))
}

func (s *Server) putPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var doc source.Document
	if !decodeBody(w, r, &doc) {
		return
	}
	if err := doc.Validate(); err != nil {
		errResp(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := s.Policies.Upsert(r.Context(), doc)
	if err != nil {
		s.logger.Error("policy update failed", "err", err)
		errResp(w, http.StatusServiceUnavailable, "failed to store policy: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, policyView(next))
}

func policyView(p *policy.Policy) PolicyResponse {
	return PolicyResponse{
		FreeLimit:  p.FreeLimit,
		Bypass:     p.Bypass,
		Operations: p.Operations,
		Version:    p.Version,
		Source:     p.Source,
	}
}

// ---------------- Personal keys ----------------

func (s *Server) getKeyHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpKeys, c) {
		return
	}
	resp := KeyResponse{HasKey: c.personal != "", Source: c.source}
	if resp.HasKey {
		resp.Masked = credential.Mask(c.personal)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) putKeyHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpKeys, c) {
		return
	}
	var req KeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Keys.Put(r.Context(), c.id.Key, req.APIKey); err != nil {
		if errors.Is(err, credential.ErrEmpty) {
			errResp(w, http.StatusBadRequest, "apiKey is required")
			return
		}
		s.logger.Error("credential not stored", "subject", c.id.Key, "err", err)
		errResp(w, http.StatusInternalServerError, "failed to store key")
		return
	}
	s.logger.Info("personal key stored", "subject", c.id.Key)
	writeJSON(w, http.StatusOK, KeyResponse{HasKey: true, Masked: credential.Mask(strings.TrimSpace(req.APIKey)), Source: "stored"})
}

func (s *Server) deleteKeyHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpKeys, c) {
		return
	}
	if err := s.Keys.Delete(r.Context(), c.id.Key); err != nil {
		s.logger.Error("credential not deleted", "subject", c.id.Key, "err", err)
		errResp(w, http.StatusInternalServerError, "failed to delete key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------- Worlds ----------------

func (s *Server) listWorldsHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpWorlds, c) {
		return
	}
	worlds, err := s.Store.ListWorlds(r.Context(), c.id.Key)
	if err != nil {
		s.storeError(w, err, "world")
		return
	}
	writeJSON(w, http.StatusOK, worlds)
}

func (s *Server) createWorldHandler(w http.ResponseWriter, r *http.Request) {
	var req WorldRequest
	if !decodeBody(w, r, &req) || !validWorld(w, &req) {
		return
	}
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpWorlds, c) {
		return
	}
	world, err := s.Store.CreateWorld(r.Context(), c.id.Key, req.Name, req.Description)
	if err != nil {
		s.storeError(w, err, "world")
		return
	}
	writeJSON(w, http.StatusCreated, world)
}

func (s *Server) getWorldHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpWorlds, c) {
		return
	}
	world, err := s.Store.GetWorld(r.Context(), c.id.Key, mux.Vars(r)["id"])
	if err != nil {
		s.storeError(w, err, "world")
		return
	}
	writeJSON(w, http.StatusOK, world)
}

func (s *Server) updateWorldHandler(w http.ResponseWriter, r *http.Request) {
	var req WorldRequest
	if !decodeBody(w, r, &req) || !validWorld(w, &req) {
		return
	}
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpWorlds, c) {
		return
	}
	world, err := s.Store.UpdateWorld(r.Context(), c.id.Key, mux.Vars(r)["id"], req.Name, req.Description)
	if err != nil {
		s.storeError(w, err, "world")
		return
	}
	writeJSON(w, http.StatusOK, world)
}

func (s *Server) deleteWorldHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireUser(w, r)
	if !ok || !s.consume(w, r, config.OpWorlds, c) {
		return
	}
	if err := s.Store.DeleteWorld(r.Context(), c.id.Key, mux.Vars(r)["id"]); err != nil {
		s.storeError(w, err, "world")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validWorld(w http.ResponseWriter, req *WorldRequest) bool {
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		errResp(w, http.StatusBadRequest, "name is required")
		return false
	case utf8.RuneCountInString(req.Name) > maxWorldNameRunes:
		errResp(w, http.StatusBadRequest, "name is too long")
		return false
	}
	return true
}
