// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents an authenticated user.
type User struct {
	ID         string    `gorm:"primaryKey;type:text" json:"id"`
	Email      string    `gorm:"uniqueIndex;not null;type:text" json:"email"`
	Name       *string   `gorm:"type:text" json:"name,omitempty"`
	AvatarURL  *string   `gorm:"column:avatar_url;type:text" json:"avatar_url,omitempty"`
	Provider   string    `gorm:"not null;type:text" json:"provider"`
	ProviderID string    `gorm:"column:provider_id;not null;type:text" json:"provider_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// AnonymousUserID is the fixed id of the built-in user used when
// authentication is disabled.
const AnonymousUserID = "anonymous"

// NewAnonymousUser returns the built-in user for no-auth mode.
func NewAnonymousUser() *User {
	return &User{
		ID:         AnonymousUserID,
		Email:      "anonymous@localhost",
		Provider:   "anonymous",
		ProviderID: "anonymous",
	}
}

// UserSession represents an authentication session (cookie-based).
type UserSession struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	TokenHash string    `gorm:"column:token_hash;uniqueIndex;not null;type:text" json:"token_hash"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (UserSession) TableName() string { return "user_sessions" }

func (s *UserSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Supported project frameworks.
const (
	FrameworkNextJS  = "nextjs"
	FrameworkReact   = "react"
	FrameworkVue     = "vue"
	FrameworkAngular = "angular"
	FrameworkSvelte  = "svelte"
)

// Project status constants representing the lifecycle of a project.
const (
	ProjectStatusScaffolding = "scaffolding" // Skeleton generation in progress
	ProjectStatusReady       = "ready"       // Project is usable
	ProjectStatusError       = "error"       // Something failed during setup
	ProjectStatusListed      = "listed"      // Published to the marketplace
)

// Project represents a user's generated web app.
type Project struct {
	ID           string     `gorm:"primaryKey;type:text" json:"id"`
	OwnerID      string     `gorm:"column:owner_id;not null;type:text;index" json:"ownerId"`
	Name         string     `gorm:"not null;type:text" json:"name"`
	Framework    string     `gorm:"not null;type:text" json:"framework"`
	Status       string     `gorm:"not null;type:text;default:scaffolding" json:"status"`
	ErrorMessage *string    `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	SandboxID    *string    `gorm:"column:sandbox_id;type:text" json:"sandboxId,omitempty"`
	PreviewURL   *string    `gorm:"column:preview_url;type:text" json:"previewUrl,omitempty"`
	PreviewPort  *int       `gorm:"column:preview_port" json:"previewPort,omitempty"`
	LogoURL      *string    `gorm:"column:logo_url;type:text" json:"logoUrl,omitempty"`
	LastActiveAt *time.Time `gorm:"column:last_active_at;index" json:"lastActiveAt,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	Files []ProjectFile `gorm:"foreignKey:ProjectID" json:"-"`
}

func (Project) TableName() string { return "projects" }

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// ValidFramework reports whether the framework is one of the supported set.
func ValidFramework(fw string) bool {
	switch fw {
	case FrameworkNextJS, FrameworkReact, FrameworkVue, FrameworkAngular, FrameworkSvelte:
		return true
	}
	return false
}

// ProjectFile is a single file or folder of a project, the unit of exchange
// between durable storage and the sandbox filesystem. Paths are always
// relative to the project's working directory and never contain ".." or a
// leading "/".
type ProjectFile struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	ProjectID string    `gorm:"column:project_id;not null;type:text;uniqueIndex:idx_project_path" json:"projectId"`
	Path      string    `gorm:"not null;type:text;uniqueIndex:idx_project_path" json:"path"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	IsFolder  bool      `gorm:"column:is_folder;default:false" json:"isFolder"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Project *Project `gorm:"foreignKey:ProjectID" json:"-"`
}

func (ProjectFile) TableName() string { return "project_files" }

func (f *ProjectFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&UserSession{},
		&Project{},
		&ProjectFile{},
		&Job{},
		&DispatcherLeader{},
	}
}
