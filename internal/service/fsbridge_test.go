package service

import (
	"context"
	"reflect"
	"testing"

	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox/mock"
)

func TestRestoreThenSnapshotRoundTrips(t *testing.T) {
	provider := mock.NewProvider()
	handle := provider.Seed("sbx-fs")

	manifest := []model.ProjectFile{
		{Path: "package.json", Content: `{"name":"app"}`},
		{Path: "src", IsFolder: true},
		{Path: "src/index.ts", Content: "console.log(1)"},
		{Path: "src/lib/util.ts", Content: "export {}"},
		{Path: "public/empty", IsFolder: true},
	}

	ctx := context.Background()
	if err := RestoreFiles(ctx, handle, "/workspace/p1", manifest); err != nil {
		t.Fatalf("RestoreFiles: %v", err)
	}
	// The mock executes mkdir via RunCommand without touching its
	// filesystem, so register the empty folder the way a real shell would.
	handle.MkdirAll("/workspace/p1/public/empty")

	files, err := SnapshotFiles(ctx, handle, "/workspace/p1")
	if err != nil {
		t.Fatalf("SnapshotFiles: %v", err)
	}

	got := manifestMap(files)
	want := map[string]string{
		"package.json":    `{"name":"app"}`,
		"src":             "<dir>",
		"src/index.ts":    "console.log(1)",
		"src/lib":         "<dir>",
		"src/lib/util.ts": "export {}",
		"public":          "<dir>",
		"public/empty":    "<dir>",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Round trip mismatch:\ngot  %v\nwant %v", got, want)
	}
}

func TestRestoreIsIdempotent(t *testing.T) {
	provider := mock.NewProvider()
	handle := provider.Seed("sbx-idem")

	manifest := []model.ProjectFile{
		{Path: "a.txt", Content: "one"},
		{Path: "dir/b.txt", Content: "two"},
	}

	ctx := context.Background()
	if err := RestoreFiles(ctx, handle, "/workspace/p2", manifest); err != nil {
		t.Fatalf("First restore: %v", err)
	}
	first, err := SnapshotFiles(ctx, handle, "/workspace/p2")
	if err != nil {
		t.Fatalf("First snapshot: %v", err)
	}

	if err := RestoreFiles(ctx, handle, "/workspace/p2", manifest); err != nil {
		t.Fatalf("Second restore: %v", err)
	}
	second, err := SnapshotFiles(ctx, handle, "/workspace/p2")
	if err != nil {
		t.Fatalf("Second snapshot: %v", err)
	}

	if !reflect.DeepEqual(manifestMap(first), manifestMap(second)) {
		t.Errorf("Second restore changed the filesystem:\nfirst  %v\nsecond %v",
			manifestMap(first), manifestMap(second))
	}
}

func TestRestoreRejectsTraversalPaths(t *testing.T) {
	provider := mock.NewProvider()
	handle := provider.Seed("sbx-evil")

	bad := [][]model.ProjectFile{
		{{Path: "../outside.txt", Content: "x"}},
		{{Path: "a/../../outside.txt", Content: "x"}},
		{{Path: "/etc/passwd", Content: "x"}},
		{{Path: "", Content: "x"}},
	}
	for _, manifest := range bad {
		if err := RestoreFiles(context.Background(), handle, "/workspace/p3", manifest); err == nil {
			t.Errorf("Expected rejection for path %q", manifest[0].Path)
		}
	}
	if writes := handle.CallsWithPrefix("write"); len(writes) != 0 {
		t.Errorf("Expected no writes for rejected manifests, got %v", writes)
	}
}

func TestSnapshotSkipsDependencyDirs(t *testing.T) {
	provider := mock.NewProvider()
	handle := provider.Seed("sbx-deps")
	handle.WriteTree(map[string]string{
		"/workspace/p4/package.json":                 "{}",
		"/workspace/p4/node_modules/lodash/index.js": "module.exports = {}",
		"/workspace/p4/.next/build-manifest.json":    "{}",
		"/workspace/p4/.git/HEAD":                    "ref: refs/heads/main",
	})

	files, err := SnapshotFiles(context.Background(), handle, "/workspace/p4")
	if err != nil {
		t.Fatalf("SnapshotFiles: %v", err)
	}
	if len(files) != 1 || files[0].Path != "package.json" {
		t.Errorf("Expected only package.json, got %v", manifestMap(files))
	}
}

func TestSnapshotEmptyDirectory(t *testing.T) {
	provider := mock.NewProvider()
	handle := provider.Seed("sbx-empty")

	files, err := SnapshotFiles(context.Background(), handle, "/workspace/missing")
	if err != nil {
		t.Fatalf("SnapshotFiles on missing dir: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("Expected empty manifest, got %v", files)
	}
}

func manifestMap(files []model.ProjectFile) map[string]string {
	m := make(map[string]string, len(files))
	for _, f := range files {
		if f.IsFolder {
			m[f.Path] = "<dir>"
		} else {
			m[f.Path] = f.Content
		}
	}
	return m
}
