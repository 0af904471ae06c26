// Package handler contains the HTTP handlers for the API server.
package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/jobs"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/service"
	"github.com/buildpad-dev/buildpad/internal/store"
)

const (
	sessionCookieName = "buildpad_session"
	stateCookieName   = "buildpad_oauth_state"
)

// Handler contains all HTTP handlers.
type Handler struct {
	store           *store.Store
	cfg             *config.Config
	sandboxProvider sandbox.Provider
	authService     *service.AuthService
	projectService  *service.Projects
	previewer       *service.Previewer
	commandGateway  *service.CommandGateway
	jobQueue        *jobs.Queue
}

// New creates a new Handler wired to the given services.
func New(
	s *store.Store,
	cfg *config.Config,
	sandboxProvider sandbox.Provider,
	projectService *service.Projects,
	previewer *service.Previewer,
	commandGateway *service.CommandGateway,
	jobQueue *jobs.Queue,
) *Handler {
	return &Handler{
		store:           s,
		cfg:             cfg,
		sandboxProvider: sandboxProvider,
		authService:     service.NewAuthService(s, cfg),
		projectService:  projectService,
		previewer:       previewer,
		commandGateway:  commandGateway,
		jobQueue:        jobQueue,
	}
}

// AuthService returns the handler's auth service for middleware wiring.
func (h *Handler) AuthService() *service.AuthService {
	return h.authService
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ServiceError maps service-layer errors to HTTP responses. Classified
// orchestration errors surface their user message with a kind-appropriate
// status; everything else gets a generic 500 and the detail stays in the
// server log.
func (h *Handler) ServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.Error(w, http.StatusNotFound, "Not found")
		return
	}

	var oerr *service.OrchestrationError
	if errors.As(err, &oerr) {
		status := http.StatusInternalServerError
		switch oerr.Kind {
		case service.KindValidation:
			status = http.StatusBadRequest
		case service.KindBusy:
			status = http.StatusConflict
		case service.KindTimeout:
			status = http.StatusServiceUnavailable
		case service.KindProcessFailure, service.KindEmptySnapshot:
			status = http.StatusUnprocessableEntity
		}
		if oerr.Internal != nil {
			log.Printf("handler: %s error: %v", oerr.Kind, oerr.Internal)
		}
		h.JSON(w, status, map[string]string{
			"error": oerr.UserMessage,
			"kind":  string(oerr.Kind),
		})
		return
	}

	log.Printf("handler: internal error: %v", err)
	h.Error(w, http.StatusInternalServerError, "Internal server error")
}

// setSessionCookie sets the session cookie
func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   false, // Set to true in production with HTTPS
		SameSite: http.SameSiteLaxMode,
		MaxAge:   30 * 24 * 60 * 60, // 30 days
	})
}

// clearSessionCookie clears the session cookie
func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// getSessionToken gets the session token from cookie
func (h *Handler) getSessionToken(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// setStateCookie sets the OAuth state cookie
func (h *Handler) setStateCookie(w http.ResponseWriter, state string) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   10 * 60, // 10 minutes
	})
}

// getStateCookie gets and clears the OAuth state cookie
func (h *Handler) getStateCookie(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return ""
	}
	// Clear the cookie
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	return cookie.Value
}
