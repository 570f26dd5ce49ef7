package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/famcall/famcall/internal/database"
)

// deviceRequest is the body of POST and DELETE /groups/{gid}/devices.
// Platform is only required on registration.
type deviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// deviceResponse is the JSON response for a registered device.
type deviceResponse struct {
	Token     string `json:"token"`
	Platform  string `json:"platform"`
	CreatedAt string `json:"created_at"`
}

// handleRegisterDevice stores a push token for the caller's device so
// call invitations reach it.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	var req deviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("token", req.Token, maxDeviceTokenLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Platform != "android" && req.Platform != "ios" && req.Platform != "web" {
		writeError(w, http.StatusBadRequest, "platform must be \"android\", \"ios\", or \"web\"")
		return
	}

	t := database.DeviceToken{
		Token:    req.Token,
		UserID:   auth.UserID,
		GroupID:  auth.GroupID,
		Platform: req.Platform,
	}
	if err := s.devices.Upsert(r.Context(), &t); err != nil {
		slog.Error("register device: failed to upsert token", "error", err, "user_id", auth.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, deviceResponse{
		Token:     t.Token,
		Platform:  t.Platform,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleUnregisterDevice removes one of the caller's push tokens, e.g.
// on logout. Removing an unknown token succeeds quietly.
func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	var req deviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRequiredStringLen("token", req.Token, maxDeviceTokenLen); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := s.devices.Delete(r.Context(), auth.UserID, req.Token); err != nil {
		slog.Error("unregister device: failed to delete token", "error", err, "user_id", auth.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
