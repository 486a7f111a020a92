package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"archdoc/internal/llm"
)

// defaultMaxReadBytes is the cap NewToolRegistry sets on read_file: a file
// larger than this is read only when a line_range is given.
const defaultMaxReadBytes = 200_000

// ToolRegistry is the read-only tool surface offered to CallWithTools
// agents: list_directory, read_file, and now. All paths are
// resolved against, and rejected if they escape, root.
type ToolRegistry struct {
	root         string
	excludedDirs map[string]bool
	maxReadBytes int64
}

// NewToolRegistry constructs a registry scoped to root, skipping any
// directory named in excludedDirs during list_directory traversal.
func NewToolRegistry(root string, excludedDirs []string) *ToolRegistry {
	excluded := make(map[string]bool, len(excludedDirs))
	for _, d := range excludedDirs {
		excluded[d] = true
	}
	return &ToolRegistry{root: root, excludedDirs: excluded, maxReadBytes: defaultMaxReadBytes}
}

// Schemas returns the three tool definitions for use as a CallWithTools
// ToolsConfig.Tools value.
func (r *ToolRegistry) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "list_directory",
			Description: "List files under a project-relative directory, optionally filtered by glob patterns.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":  map[string]any{"type": "string", "description": "Project-relative directory path."},
					"globs": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Optional glob patterns to filter entries."},
				},
				"required": []any{"path"},
			},
		},
		{
			Name:        "read_file",
			Description: "Read a project-relative file's contents, optionally bounded to a line range.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":       map[string]any{"type": "string", "description": "Project-relative file path."},
					"line_range": map[string]any{"type": "string", "description": "Optional \"start-end\" 1-indexed inclusive line range."},
				},
				"required": []any{"path"},
			},
		},
		{
			Name:        "now",
			Description: "Return the current wall-clock time in UTC and local time.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// Dispatch implements llm.ToolDispatcher.
func (r *ToolRegistry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case "list_directory":
		var in struct {
			Path  string   `json:"path"`
			Globs []string `json:"globs"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("list_directory: decode args: %w", err)
		}
		return r.listDirectory(in.Path, in.Globs)

	case "read_file":
		var in struct {
			Path      string `json:"path"`
			LineRange string `json:"line_range"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("read_file: decode args: %w", err)
		}
		return r.readFile(in.Path, in.LineRange)

	case "now":
		return r.now(), nil

	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (r *ToolRegistry) resolve(relPath string) (string, error) {
	clean := filepath.Clean("/" + relPath)
	abs := filepath.Join(r.root, clean)
	rootAbs, err := filepath.Abs(r.root)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	if absClean != rootAbs && !strings.HasPrefix(absClean, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project root", relPath)
	}
	return absClean, nil
}

type dirEntryResult struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

func (r *ToolRegistry) listDirectory(relPath string, globs []string) (string, error) {
	abs, err := r.resolve(relPath)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list_directory: %w", err)
	}

	var out []dirEntryResult
	for _, e := range entries {
		if e.IsDir() && r.excludedDirs[e.Name()] {
			continue
		}
		if len(globs) > 0 {
			matched := false
			for _, g := range globs {
				if ok, _ := filepath.Match(g, e.Name()); ok {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, dirEntryResult{Name: e.Name(), IsDir: e.IsDir()})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *ToolRegistry) readFile(relPath, lineRange string) (string, error) {
	abs, err := r.resolve(relPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if info.Size() > r.maxReadBytes && lineRange == "" {
		return "", fmt.Errorf("read_file: %s is %d bytes, exceeds the %d byte cap; request a line_range", relPath, info.Size(), r.maxReadBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if lineRange == "" {
		return string(data), nil
	}

	start, end, err := parseLineRange(lineRange)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", nil
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

func parseLineRange(s string) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid line_range %q, want \"start-end\"", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid line_range start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid line_range end: %w", err)
	}
	return start, end, nil
}

func (r *ToolRegistry) now() string {
	now := time.Now()
	data, _ := json.Marshal(map[string]string{
		"utc":   now.UTC().Format(time.RFC3339),
		"local": now.Local().Format(time.RFC3339),
	})
	return string(data)
}
