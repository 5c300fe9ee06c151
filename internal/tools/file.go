package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolvePath joins a path with the workspace and refuses escapes above it.
func resolvePath(workspace, path string) (string, error) {
	if workspace == "" {
		return path, nil
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(workspace, full)
	}
	full = filepath.Clean(full)
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if absFull != absWorkspace && !strings.HasPrefix(absFull, absWorkspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return absFull, nil
}

type readFileTool struct {
	workspace string
}

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read the contents of a file" }
func (t *readFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"path": "file path relative to the workspace",
	}
}

func (t *readFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(t.workspace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

type writeFileTool struct {
	workspace string
}

func (t *writeFileTool) Name() string        { return "write_file" }
func (t *writeFileTool) Description() string { return "Create or overwrite a file with the given content" }
func (t *writeFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"path":    "file path relative to the workspace",
		"content": "full file content",
	}
}

func (t *writeFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content := optionalStringArg(args, "content", "")
	full, err := resolvePath(t.workspace, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

type editFileTool struct {
	workspace string
}

func (t *editFileTool) Name() string { return "edit_file" }
func (t *editFileTool) Description() string {
	return "Replace an exact text fragment in a file"
}
func (t *editFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"path":     "file path relative to the workspace",
		"old_text": "exact text to replace (must occur exactly once)",
		"new_text": "replacement text",
	}
}

func (t *editFileTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	oldText, err := stringArg(args, "old_text")
	if err != nil {
		return nil, err
	}
	newText := optionalStringArg(args, "new_text", "")

	full, err := resolvePath(t.workspace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldText)
	if count == 0 {
		return nil, fmt.Errorf("old_text not found in %s", path)
	}
	if count > 1 {
		return nil, fmt.Errorf("old_text occurs %d times in %s; provide more context", count, path)
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fmt.Sprintf("edited %s", path), nil
}

type listDirTool struct {
	workspace string
}

func (t *listDirTool) Name() string        { return "list_dir" }
func (t *listDirTool) Description() string { return "List the entries of a directory" }
func (t *listDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"path": "directory path relative to the workspace (default: workspace root)",
	}
}

func (t *listDirTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	path := optionalStringArg(args, "path", ".")
	full, err := resolvePath(t.workspace, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
