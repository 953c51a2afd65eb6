package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"lorawatch.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/api/webhook/ttn",
	"/",
}

// withAuth authenticates the bearer token on every non-public route and
// stashes the resulting identity in the request context. Token verification
// is stateless; the snapshot inside the token is trusted until it expires.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.sessions == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		identity, err := a.sessions.Authenticate(r.Context(), token)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireIdentity returns the caller identity or answers 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, false
	}
	return id, true
}

// requireAdmin returns the caller identity, answering 403 for non-admins.
func requireAdmin(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if id.Role != auth.RoleAdmin {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return auth.Identity{}, false
	}
	return id, true
}

// guardDevice enforces the device access rule: admins see everything,
// clients only their assigned devices. The deviceID must match exactly.
func guardDevice(w http.ResponseWriter, r *http.Request, id auth.Identity, deviceID string) bool {
	if auth.CanAccessDevice(id, deviceID) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "device access denied")
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
