package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFileResultLen = 64 * 1024

// resolveInside joins a user-supplied path against the workspace root and
// refuses escapes. Absolute paths are allowed only when already inside.
func resolveInside(root, path string) (string, error) {
	if path == "" {
		path = "."
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return resolved, nil
}

func truncateResult(s string) string {
	if len(s) <= maxFileResultLen {
		return s
	}
	return s[:maxFileResultLen] + "\n...[truncated]"
}

// ReadFileTool returns file contents.
type ReadFileTool struct{ root string }

func NewReadFileTool(root string) *ReadFileTool { return &ReadFileTool{root: root} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace." }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := requiredStringArg(args, "path")
	if err != nil {
		return nil, err
	}
	resolved, err := resolveInside(t.root, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": truncateResult(string(data))}, nil
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{ root string }

func NewWriteFileTool(root string) *WriteFileTool { return &WriteFileTool{root: root} }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root."},
			"content": map[string]any{"type": "string", "description": "Full file content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := requiredStringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content := stringArg(args, "content")
	resolved, err := resolveInside(t.root, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return nil, err
	}
	return map[string]any{"bytes_written": len(content)}, nil
}

// EditFileTool replaces an exact string occurrence in a file.
type EditFileTool struct{ root string }

func NewEditFileTool(root string) *EditFileTool { return &EditFileTool{root: root} }

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string", "description": "Path relative to the workspace root."},
			"old_string": map[string]any{"type": "string", "description": "Exact text to replace."},
			"new_string": map[string]any{"type": "string", "description": "Replacement text."},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	path, err := requiredStringArg(args, "path")
	if err != nil {
		return nil, err
	}
	oldString, err := requiredStringArg(args, "old_string")
	if err != nil {
		return nil, err
	}
	newString := stringArg(args, "new_string")

	resolved, err := resolveInside(t.root, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}
	content := string(data)

	switch strings.Count(content, oldString) {
	case 0:
		return nil, fmt.Errorf("old_string not found in %s", path)
	case 1:
	default:
		return nil, fmt.Errorf("old_string appears multiple times in %s, provide more context", path)
	}

	content = strings.Replace(content, oldString, newString, 1)
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return nil, err
	}
	return map[string]any{"status": "edited"}, nil
}

// ListFilesTool lists a directory.
type ListFilesTool struct{ root string }

func NewListFilesTool(root string) *ListFilesTool { return &ListFilesTool{root: root} }

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List files and directories at a path." }

func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list, relative to the workspace root. Defaults to the root."},
		},
	}
}

func (t *ListFilesTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	resolved, err := resolveInside(t.root, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return map[string]any{"entries": names}, nil
}

// SearchFilesTool greps the workspace for a substring.
type SearchFilesTool struct{ root string }

func NewSearchFilesTool(root string) *SearchFilesTool { return &SearchFilesTool{root: root} }

func (t *SearchFilesTool) Name() string { return "search_files" }
func (t *SearchFilesTool) Description() string {
	return "Search workspace files for a text pattern. Returns matching lines with file and line number."
}

func (t *SearchFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Substring to search for."},
			"path":    map[string]any{"type": "string", "description": "Directory to search, relative to the workspace root. Defaults to the root."},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchFilesTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	pattern, err := requiredStringArg(args, "pattern")
	if err != nil {
		return nil, err
	}
	resolved, err := resolveInside(t.root, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}

	var matches []string
	const maxMatches = 200
	err = filepath.WalkDir(resolved, func(path string, d os.DirEntry, err error) error {
		if err != nil || len(matches) >= maxMatches {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != resolved {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), pattern) {
			return nil
		}
		rel, _ := filepath.Rel(t.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, pattern) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(matches) >= maxMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"matches": matches}, nil
}
