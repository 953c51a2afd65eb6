package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"lorawatch.dev/internal/audit"
	"lorawatch.dev/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	AccessToken      string        `json:"accessToken"`
	RefreshToken     string        `json:"refreshToken"`
	AccessExpiresAt  time.Time     `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time     `json:"refreshExpiresAt"`
	User             auth.Identity `json:"user"`
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, identity, err := a.sessions.Login(r.Context(), req.Username, req.Password, requestMeta(r))
	if err != nil {
		_ = audit.LogEvent(r.Context(), "login.failed", map[string]any{
			"username": auth.NormalizeUsername(req.Username),
			"ip":       clientIP(r),
		})
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "login.success", map[string]any{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"ip":       clientIP(r),
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             identity,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, identity, err := a.sessions.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		event := "token.refresh_failed"
		if errors.Is(err, auth.ErrTokenReused) {
			event = "token.reuse_detected"
		}
		_ = audit.LogEvent(r.Context(), event, map[string]any{
			"ip":         clientIP(r),
			"user_agent": r.UserAgent(),
		})
		handleAuthError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "token.refreshed", map[string]any{
		"user_id": identity.UserID,
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             identity,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	// The refresh token is optional; an empty body just acknowledges.
	// Chunked requests report ContentLength -1, so always attempt the decode
	// and treat EOF as no token.
	var req refreshRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	// Idempotent: revoking an unknown or already revoked token succeeds.
	if err := a.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "logout", map[string]any{"ip": clientIP(r)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	count, err := a.sessions.LogoutAll(r.Context(), id.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "token.revoked_all", map[string]any{
		"user_id": id.UserID,
		"count":   count,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"revoked": count,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, id)
}
