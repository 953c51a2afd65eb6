package httpapi

import (
	"net/http"
	"strings"

	"lorawatch.dev/internal/audit"
	"lorawatch.dev/internal/auth"
)

type createUserRequest struct {
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	Role            string   `json:"role"`
	AssignedDevices []string `json:"assignedDevices"`
}

type updateUserRequest struct {
	Username        *string   `json:"username"`
	Password        *string   `json:"password"`
	Role            *string   `json:"role"`
	AssignedDevices *[]string `json:"assignedDevices"`
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		users, err := a.users.List(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if users == nil {
			users = []*auth.User{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.users.Create(r.Context(), auth.CreateUserInput{
			Username:        req.Username,
			Password:        req.Password,
			Role:            req.Role,
			AssignedDevices: req.AssignedDevices,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "user.created", map[string]any{
			"user_id":  user.ID,
			"username": user.Username,
			"role":     user.Role,
		})
		w.Header().Set("Location", "/v1/users/"+user.ID)
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	admin, ok := requireAdmin(w, r)
	if !ok {
		return
	}
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, err := a.users.Get(r.Context(), userID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		in := auth.UpdateUserInput{
			Username: req.Username,
			Password: req.Password,
			Role:     req.Role,
		}
		if req.AssignedDevices != nil {
			in.AssignedDevices = *req.AssignedDevices
			in.DevicesSet = true
		}
		user, err := a.users.Update(r.Context(), userID, in)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "user.updated", map[string]any{
			"user_id": user.ID,
			"role":    user.Role,
		})
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if userID == admin.UserID {
			writeError(w, r, http.StatusConflict, "cannot delete own account")
			return
		}
		if err := a.users.Delete(r.Context(), userID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		// Orphaned sessions die with the user.
		if _, err := a.sessions.LogoutAll(r.Context(), userID); err != nil {
			handleAuthError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "user.deleted", map[string]any{
			"user_id": userID,
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}
