package server

import (
	"context"
	"net/http"
	"strings"
)

// TokenResponse is returned by the token endpoints.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   *int64 `json:"expires_at,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type autoRefreshRequest struct {
	Enabled *bool `json:"enabled"`
}

type minRefreshIntervalRequest struct {
	Minutes *int `json:"minutes"`
}

type minRefreshIntervalResponse struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.manager.GetValidAccessToken(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.writeToken(w, r, token)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := s.manager.ManualRefresh(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	s.writeToken(w, r, token)
}

// writeToken answers with token and, when it is still the stored one, its expiry.
func (s *Server) writeToken(w http.ResponseWriter, r *http.Request, token string) {
	resp := TokenResponse{AccessToken: token, TokenType: "Bearer"}
	if rec, err := s.manager.Record(r.Context()); err == nil && rec.AccessToken == token {
		resp.ExpiresAt = rec.ExpiresAt
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(r.Context(), w, resp, http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.manager.Summary(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, summary, http.StatusOK)
}

func (s *Server) handleSetRefreshToken(w http.ResponseWriter, r *http.Request) {
	s.handleSetToken(w, r, s.manager.SetRefreshToken)
}

func (s *Server) handleSetAccessToken(w http.ResponseWriter, r *http.Request) {
	s.handleSetToken(w, r, s.manager.SetAccessToken)
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request, set func(context.Context, string) error) {
	var req tokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(r.Context(), w, err.Error())
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		badRequest(r.Context(), w, "token must not be empty")
		return
	}
	if err := set(r.Context(), token); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var req autoRefreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(r.Context(), w, err.Error())
		return
	}
	if req.Enabled == nil {
		badRequest(r.Context(), w, "enabled is required")
		return
	}
	if err := s.manager.SetAutoRefresh(r.Context(), *req.Enabled); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMinRefreshInterval(w http.ResponseWriter, r *http.Request) {
	var req minRefreshIntervalRequest
	if err := decodeBody(w, r, &req); err != nil {
		badRequest(r.Context(), w, err.Error())
		return
	}
	if req.Minutes == nil {
		badRequest(r.Context(), w, "minutes is required")
		return
	}
	applied, err := s.manager.SetMinRefreshInterval(r.Context(), *req.Minutes)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, minRefreshIntervalResponse{Minutes: applied}, http.StatusOK)
}
