package handler

import (
	"fmt"
	"net/http"

	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/service"
)

// AuthLogin handles the GitHub OAuth login redirect.
func (h *Handler) AuthLogin(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthEnabled {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	state, err := service.GenerateState()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "Failed to generate state")
		return
	}
	h.setStateCookie(w, state)

	authURL, err := h.authService.GetAuthURL(h.callbackURL(r), state)
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// AuthCallback handles the OAuth callback.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthEnabled {
		http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
		return
	}

	// Verify state
	state := r.URL.Query().Get("state")
	savedState := h.getStateCookie(w, r)
	if state == "" || state != savedState {
		h.Error(w, http.StatusBadRequest, "Invalid state parameter")
		return
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		errDesc := r.URL.Query().Get("error_description")
		h.Error(w, http.StatusBadRequest, fmt.Sprintf("OAuth error: %s - %s", errMsg, errDesc))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.Error(w, http.StatusBadRequest, "Missing authorization code")
		return
	}

	providerUser, err := h.authService.ExchangeCode(r.Context(), h.callbackURL(r), code)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, fmt.Sprintf("Failed to exchange code: %v", err))
		return
	}

	user, err := h.authService.CreateOrUpdateUser(r.Context(), providerUser)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save user: %v", err))
		return
	}

	token, err := h.authService.CreateSession(r.Context(), user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create session: %v", err))
		return
	}

	h.setSessionCookie(w, token)
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

// AuthLogout clears the user's session.
func (h *Handler) AuthLogout(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthEnabled {
		h.JSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if token := h.getSessionToken(r); token != "" {
		_ = h.authService.DeleteSession(r.Context(), token)
	}
	h.clearSessionCookie(w)

	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AuthMe returns the current user.
func (h *Handler) AuthMe(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AuthEnabled {
		anon := model.NewAnonymousUser()
		h.JSON(w, http.StatusOK, &service.User{
			ID:       anon.ID,
			Email:    anon.Email,
			Provider: anon.Provider,
		})
		return
	}

	token := h.getSessionToken(r)
	if token == "" {
		h.Error(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	user, err := h.authService.ValidateSession(r.Context(), token)
	if err != nil {
		h.clearSessionCookie(w)
		h.Error(w, http.StatusUnauthorized, "Session expired")
		return
	}

	h.JSON(w, http.StatusOK, user)
}

// callbackURL builds the OAuth redirect URL from the incoming request. It
// must be identical for the login and callback legs.
func (h *Handler) callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/callback", scheme, r.Host)
}
