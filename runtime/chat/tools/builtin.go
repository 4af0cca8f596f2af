package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"goa.design/lackey/runtime/chat/workspace"
)

// Weather returns the get_weather demo tool.
func Weather() Tool {
	return Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a location.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City or place name",
					"minLength":   1,
				},
			},
			"required":             []string{"location"},
			"additionalProperties": false,
		},
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			loc, _ := args["location"].(string)
			return fmt.Sprintf("Weather in %s: sunny, 72°F", loc), nil
		},
	}
}

// FolderStructure returns the get_folder_structure tool listing root or one
// of its sub directories.
func FolderStructure(root string) Tool {
	return Tool{
		Name:        "get_folder_structure",
		Description: "Show the folder structure of the workspace or of a sub directory of it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory relative to the workspace root. Defaults to the root.",
				},
				"max_depth": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": 10,
				},
			},
			"additionalProperties": false,
		},
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			rel, _ := args["path"].(string)
			dir := filepath.Join(root, filepath.FromSlash(rel))
			if r, err := filepath.Rel(root, dir); err != nil || strings.HasPrefix(r, "..") {
				return nil, fmt.Errorf("path %q is outside the workspace", rel)
			}
			depth, _ := args["max_depth"].(float64)
			files, err := workspace.Discover(dir, workspace.DiscoverOptions{})
			if err != nil && len(files) == 0 {
				return nil, err
			}
			return workspace.FolderStructure(dir, files, workspace.Options{MaxDepth: int(depth)}), nil
		},
	}
}

// Builtins returns the built-in tools keyed by name.
func Builtins(workspaceDir string) map[string]Tool {
	return map[string]Tool{
		"get_weather":          Weather(),
		"get_folder_structure": FolderStructure(workspaceDir),
	}
}

// Select returns the named built-in tools in order.
func Select(workspaceDir string, names []string) ([]Tool, error) {
	all := Builtins(workspaceDir)
	selected := make([]Tool, 0, len(names))
	for _, n := range names {
		t, ok := all[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, n)
		}
		selected = append(selected, t)
	}
	return selected, nil
}
