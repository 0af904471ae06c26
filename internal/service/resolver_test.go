package service

import (
	"context"
	"errors"
	"testing"

	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
	"github.com/buildpad-dev/buildpad/internal/sandbox/mock"
)

func TestResolveReconnectsToLiveSandbox(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	resolver := NewResolver(provider, st)

	project := createTestProject(t, st, model.FrameworkNextJS)
	provider.Seed("sbx-live")

	res, err := resolver.Resolve(context.Background(), project.ID, strPtr("sbx-live"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.IsNew {
		t.Error("Expected reconnect, got new instance")
	}
	if res.SandboxID != "sbx-live" {
		t.Errorf("Expected stored id back, got %s", res.SandboxID)
	}
	if provider.CreateCount != 0 {
		t.Errorf("Expected no provisioning, got %d creates", provider.CreateCount)
	}
}

func TestResolveFallsBackToCreateOnStaleID(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	resolver := NewResolver(provider, st)

	project := createTestProject(t, st, model.FrameworkNextJS)

	// The stored id refers to an expired instance the provider no longer
	// knows about.
	res, err := resolver.Resolve(context.Background(), project.ID, strPtr("sbx-expired"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsNew {
		t.Error("Expected a fresh instance")
	}
	if res.SandboxID == "sbx-expired" {
		t.Error("Expected a new sandbox id")
	}

	// The new id must be persisted immediately.
	got, err := st.GetProjectByID(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if got.SandboxID == nil || *got.SandboxID != res.SandboxID {
		t.Errorf("New sandbox id not persisted: %v", got.SandboxID)
	}
}

func TestResolveNoStoredID(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	resolver := NewResolver(provider, st)

	project := createTestProject(t, st, model.FrameworkNextJS)

	res, err := resolver.Resolve(context.Background(), project.ID, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsNew {
		t.Error("Expected a fresh instance")
	}
	if provider.CreateCount != 1 {
		t.Errorf("Expected one provisioning call, got %d", provider.CreateCount)
	}
}

func TestResolveCreateFailurePropagates(t *testing.T) {
	st := testDB(t)
	provider := mock.NewProvider()
	provider.CreateFunc = func(ctx context.Context, projectID string) (sandbox.Handle, error) {
		return nil, sandbox.ErrStartFailed
	}
	resolver := NewResolver(provider, st)

	project := createTestProject(t, st, model.FrameworkNextJS)

	_, err := resolver.Resolve(context.Background(), project.ID, nil)
	if !errors.Is(err, sandbox.ErrStartFailed) {
		t.Fatalf("Expected start failure to propagate, got %v", err)
	}
}
