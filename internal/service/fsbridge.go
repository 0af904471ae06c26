package service

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/buildpad-dev/buildpad/internal/model"
	"github.com/buildpad-dev/buildpad/internal/sandbox"
)

// Directories excluded from snapshots. Dependencies and build output are
// reproduced by install/build, not stored per project.
var snapshotSkipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".next":        true,
	"dist":         true,
	"build":        true,
	".angular":     true,
	".svelte-kit":  true,
}

// SnapshotFiles recursively reads the sandbox filesystem under root into an
// ordered manifest. An empty or momentarily-incomplete listing is returned
// as-is; deciding whether to retry is the caller's job. Binary files (non
// UTF-8 content) are skipped.
func SnapshotFiles(ctx context.Context, handle sandbox.Handle, root string) ([]model.ProjectFile, error) {
	var files []model.ProjectFile
	if err := snapshotDir(ctx, handle, root, "", &files); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func snapshotDir(ctx context.Context, handle sandbox.Handle, root, rel string, out *[]model.ProjectFile) error {
	entries, err := handle.ListFiles(ctx, path.Join(root, rel))
	if err != nil {
		return fmt.Errorf("listing %s: %w", rel, err)
	}

	for _, entry := range entries {
		entryRel := path.Join(rel, entry.Name)
		if entry.IsDir {
			if snapshotSkipDirs[entry.Name] {
				continue
			}
			*out = append(*out, model.ProjectFile{Path: entryRel, IsFolder: true})
			if err := snapshotDir(ctx, handle, root, entryRel, out); err != nil {
				return err
			}
			continue
		}

		content, err := handle.ReadFile(ctx, path.Join(root, entryRel))
		if err != nil {
			return fmt.Errorf("reading %s: %w", entryRel, err)
		}
		if !utf8.ValidString(content) {
			continue
		}
		*out = append(*out, model.ProjectFile{Path: entryRel, Content: content})
	}
	return nil
}

// RestoreFiles replays a manifest onto the sandbox filesystem under root.
// Folders are created first, then file contents written; parent directories
// are created implicitly by WriteFile, so folder entries matter only for
// empty directories. Restoring the same manifest twice is a no-op for the
// end state.
func RestoreFiles(ctx context.Context, handle sandbox.Handle, root string, files []model.ProjectFile) error {
	for _, f := range files {
		rel, err := sanitizeRelPath(f.Path)
		if err != nil {
			return err
		}
		if !f.IsFolder {
			continue
		}
		if _, err := handle.RunCommand(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(path.Join(root, rel))), sandbox.CommandOptions{}); err != nil {
			return fmt.Errorf("creating directory %s: %w", rel, err)
		}
	}
	for _, f := range files {
		if f.IsFolder {
			continue
		}
		rel, err := sanitizeRelPath(f.Path)
		if err != nil {
			return err
		}
		if err := handle.WriteFile(ctx, path.Join(root, rel), f.Content); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return nil
}

// sanitizeRelPath validates a manifest path: relative, no traversal.
func sanitizeRelPath(p string) (string, error) {
	if p == "" {
		return "", validationError("empty file path")
	}
	if strings.HasPrefix(p, "/") {
		return "", validationError(fmt.Sprintf("absolute path not allowed: %s", p))
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", validationError(fmt.Sprintf("path traversal not allowed: %s", p))
	}
	return cleaned, nil
}

// shellQuote single-quotes a string for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
