// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"log"
	"net/http"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/service"
)

type contextKey string

const (
	// UserKey is the context key for the authenticated user.
	UserKey contextKey = "user"
	// UserIDKey is the context key for the authenticated user's ID.
	UserIDKey contextKey = "userID"
)

const sessionCookieName = "buildpad_session"

// Auth returns middleware that validates the session cookie and attaches the
// user to the request context. When authentication is disabled every request
// runs as the built-in anonymous user.
func Auth(authService *service.AuthService, cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled {
				anon := model.NewAnonymousUser()
				ctx := context.WithValue(r.Context(), UserKey, &service.User{
					ID:       anon.ID,
					Email:    anon.Email,
					Provider: anon.Provider,
				})
				ctx = context.WithValue(ctx, UserIDKey, anon.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			user, err := authService.ValidateSession(r.Context(), cookie.Value)
			if err != nil {
				log.Printf("auth: invalid session: %v", err)
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookieName,
					Value:    "",
					Path:     "/",
					MaxAge:   -1,
					HttpOnly: true,
				})
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, user)
			ctx = context.WithValue(ctx, UserIDKey, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser retrieves the authenticated user from the request context.
func GetUser(ctx context.Context) *service.User {
	user, _ := ctx.Value(UserKey).(*service.User)
	return user
}

// GetUserID retrieves the authenticated user's ID from the request context.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}
