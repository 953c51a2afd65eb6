package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"lorawatch.dev/internal/auth"
	"lorawatch.dev/internal/devices"
	"lorawatch.dev/internal/obs"
)

// ReadyProbe reports readiness, pinging the database when one is attached.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	sessions *auth.Service
	users    *auth.UserService
	devices  devices.Store

	webhookToken string

	// Login is brute-force sensitive, the rest of the API is not.
	loginBurst  int
	loginPerSec int
}

// Option configures the API.
type Option func(*API)

// WithWebhookToken sets the shared secret required on the uplink webhook.
func WithWebhookToken(token string) Option {
	return func(a *API) { a.webhookToken = token }
}

// WithLoginRate overrides the login rate limit (burst, refill per second).
func WithLoginRate(burst, perSec int) Option {
	return func(a *API) {
		if burst > 0 {
			a.loginBurst = burst
		}
		if perSec > 0 {
			a.loginPerSec = perSec
		}
	}
}

func New(rp ReadyProbe, version string, sessions *auth.Service, users *auth.UserService, store devices.Store, opts ...Option) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		sessions:    sessions,
		users:       users,
		devices:     store,
		loginBurst:  5,
		loginPerSec: 1,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// sessions
	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), a.loginBurst, a.loginPerSec))
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)

	// devices + measurements
	a.mux.HandleFunc("/v1/devices", a.handleDevices)
	a.mux.HandleFunc("/v1/devices/", a.handleDeviceScoped)

	// user management (admin only)
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)

	// network-server uplink ingest
	a.mux.HandleFunc("/api/webhook/ttn", a.handleWebhook)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, "")
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- ops handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "lorawatch-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "lorawatch-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleAuthError maps the auth sentinels onto HTTP statuses. Expired and
// reused tokens answer with distinct messages so the dashboard can prompt a
// re-login instead of retrying.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrTokenReused):
		writeError(w, r, http.StatusUnauthorized, "refresh token already used")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
