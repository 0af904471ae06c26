package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// AuthService handles authentication operations.
type AuthService struct {
	store        *store.Store
	cfg          *config.Config
	githubConfig *oauth2.Config
}

// User represents an authenticated user (for API responses).
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Provider  string `json:"provider"`
}

// NewAuthService creates a new auth service.
func NewAuthService(s *store.Store, cfg *config.Config) *AuthService {
	svc := &AuthService{store: s, cfg: cfg}

	if cfg.GitHubClientID != "" {
		svc.githubConfig = &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			Scopes:       []string{"user:email", "read:user"},
			Endpoint:     github.Endpoint,
		}
	}

	return svc
}

// GetAuthURL returns the OAuth authorization URL.
func (s *AuthService) GetAuthURL(redirectURL, state string) (string, error) {
	cfg, err := s.oauthConfig(redirectURL)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// ExchangeCode exchanges an authorization code for user info.
func (s *AuthService) ExchangeCode(ctx context.Context, redirectURL, code string) (*User, error) {
	cfg, err := s.oauthConfig(redirectURL)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return s.getGitHubUser(ctx, token)
}

// CreateOrUpdateUser creates or updates a user in the database.
func (s *AuthService) CreateOrUpdateUser(ctx context.Context, user *User) (*User, error) {
	existing, err := s.store.GetUserByProviderID(ctx, user.Provider, user.ID)
	if err == nil {
		existing.Name = optStr(user.Name)
		existing.AvatarURL = optStr(user.AvatarURL)
		if err := s.store.UpdateUser(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
		return apiUser(existing), nil
	}

	newUser := &model.User{
		Email:      user.Email,
		Name:       optStr(user.Name),
		AvatarURL:  optStr(user.AvatarURL),
		Provider:   user.Provider,
		ProviderID: user.ID,
	}
	if err := s.store.CreateUser(ctx, newUser); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return apiUser(newUser), nil
}

// CreateSession creates a new session for a user and returns the token.
func (s *AuthService) CreateSession(ctx context.Context, userID string) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	session := &model.UserSession{
		UserID:    userID,
		TokenHash: hashToken(token),
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	}
	if err := s.store.CreateUserSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	return token, nil
}

// ValidateSession validates a session token and returns the user.
func (s *AuthService) ValidateSession(ctx context.Context, token string) (*User, error) {
	session, err := s.store.GetUserSessionByToken(ctx, hashToken(token))
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}

	if session.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("session expired")
	}

	user := session.User
	if user == nil {
		user, err = s.store.GetUserByID(ctx, session.UserID)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
	}

	return apiUser(user), nil
}

// DeleteSession deletes a session by token.
func (s *AuthService) DeleteSession(ctx context.Context, token string) error {
	return s.store.DeleteUserSession(ctx, hashToken(token))
}

func (s *AuthService) oauthConfig(redirectURL string) (*oauth2.Config, error) {
	if s.githubConfig == nil {
		return nil, fmt.Errorf("GitHub OAuth not configured")
	}
	return &oauth2.Config{
		ClientID:     s.githubConfig.ClientID,
		ClientSecret: s.githubConfig.ClientSecret,
		Scopes:       s.githubConfig.Scopes,
		Endpoint:     s.githubConfig.Endpoint,
		RedirectURL:  redirectURL,
	}, nil
}

func (s *AuthService) getGitHubUser(ctx context.Context, token *oauth2.Token) (*User, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub API error: %s", string(body))
	}

	var ghUser struct {
		ID        int    `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	email := ghUser.Email
	if email == "" {
		email, err = s.getGitHubEmail(client)
		if err != nil {
			return nil, err
		}
	}

	name := ghUser.Name
	if name == "" {
		name = ghUser.Login
	}

	return &User{
		ID:        fmt.Sprintf("%d", ghUser.ID),
		Email:     email,
		Name:      name,
		AvatarURL: ghUser.AvatarURL,
		Provider:  "github",
	}, nil
}

// getGitHubEmail fetches the user's primary email when the profile email is
// private.
func (s *AuthService) getGitHubEmail(client *http.Client) (string, error) {
	resp, err := client.Get("https://api.github.com/user/emails")
	if err != nil {
		return "", fmt.Errorf("failed to get user emails: %w", err)
	}
	defer resp.Body.Close()

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("failed to decode emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", fmt.Errorf("no email found for GitHub user")
}

// GenerateState generates a random state for OAuth CSRF protection.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func apiUser(u *model.User) *User {
	return &User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      ptrToString(u.Name),
		AvatarURL: ptrToString(u.AvatarURL),
		Provider:  u.Provider,
	}
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptrToString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
