package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func handleReadFile(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, handlerError("read_file", err)
	}
	return &Output{
		Text: string(raw),
		Data: map[string]interface{}{"size": len(raw), "path": path},
	}, nil
}

func handleWriteFile(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	content := p.Str("content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, handlerError("write_file", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, handlerError("write_file", err)
	}
	return &Output{
		Text: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Data: map[string]interface{}{"size": len(content), "path": path},
	}, nil
}

// handleEditFile replaces the first occurrence of old with new. A missing
// old string fails without touching the file.
func handleEditFile(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	oldStr := p.Str("old")
	newStr := p.Str("new")
	if oldStr == "" {
		return nil, errors.New("edit_file: 'old' must be non-empty")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, handlerError("edit_file", err)
	}
	content := string(raw)
	if !strings.Contains(content, oldStr) {
		return nil, errors.New("edit_file: 'old' string not found")
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, handlerError("edit_file", err)
	}
	return &Output{
		Text: fmt.Sprintf("replaced 1 occurrence in %s", path),
		Data: map[string]interface{}{"path": path, "size": len(updated)},
	}, nil
}

func handleDeleteFile(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	if err := os.Remove(path); err != nil {
		return nil, handlerError("delete_file", err)
	}
	return &Output{Text: "deleted " + path, Data: map[string]interface{}{"path": path}}, nil
}

func handleListDirectory(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	if path == "" {
		path = e.gate.ProjectRoot()
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, handlerError("list_directory", err)
	}

	names := make([]string, 0, len(entries))
	listing := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
		info := map[string]interface{}{"name": entry.Name(), "dir": entry.IsDir()}
		if fi, err := entry.Info(); err == nil {
			info["size"] = fi.Size()
		}
		listing = append(listing, info)
	}
	return &Output{
		Text: strings.Join(names, "\n"),
		Data: map[string]interface{}{"entries": listing, "count": len(listing)},
	}, nil
}

func handleCreateDirectory(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, handlerError("create_directory", err)
	}
	return &Output{Text: "created " + path, Data: map[string]interface{}{"path": path}}, nil
}
