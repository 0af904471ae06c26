package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/buildpad-dev/buildpad/internal/config"
	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/store"
)

// testDB creates a temporary SQLite database for testing.
// Each test gets its own database file for isolation.
func testDB(t *testing.T) *store.Store {
	t.Helper()
	tmpFile := fmt.Sprintf("%s/service_test_%d.db", t.TempDir(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return store.New(db)
}

// testConfig returns a config with fast intervals so polling tests finish
// quickly.
func testConfig() *config.Config {
	return &config.Config{
		WorkspaceRoot:         "/workspace",
		GeneratorTimeout:      500 * time.Millisecond,
		GeneratorPollInterval: 10 * time.Millisecond,
		InstallTimeout:        500 * time.Millisecond,
		InstallPollInterval:   10 * time.Millisecond,
		ToolkitInitTimeout:    time.Second,
		SnapshotRetryDelay:    10 * time.Millisecond,
		PreviewPortMin:        3000,
		PreviewPortMax:        3010,
		PortProbeAttempts:     3,
		PortProbeInterval:     10 * time.Millisecond,
		CommandTimeout:        time.Second,
		SandboxIdleTimeout:    20 * time.Minute,
	}
}

func createTestProject(t *testing.T, st *store.Store, framework string) *model.Project {
	t.Helper()
	project := &model.Project{
		OwnerID:   "test-user",
		Name:      "Test Project",
		Framework: framework,
		Status:    model.ProjectStatusScaffolding,
	}
	if err := st.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("Failed to create test project: %v", err)
	}
	return project
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
