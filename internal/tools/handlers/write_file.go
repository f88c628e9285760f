package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jpeltier/turnharness/internal/tools"
)

// writeFilePerm is the mode used for newly created files and directories.
const (
	writeFileMode = 0o644
	writeDirMode  = 0o755
)

// WriteFileTool creates or overwrites a file with the given content,
// creating parent directories as needed.
type WriteFileTool struct{}

// NewWriteFileTool creates a new write_file tool handler.
func NewWriteFileTool() *WriteFileTool {
	return &WriteFileTool{}
}

// Name returns the tool's name.
func (t *WriteFileTool) Name() string {
	return "write_file"
}

// Kind returns ToolKindFunction.
func (t *WriteFileTool) Kind() tools.ToolKind {
	return tools.ToolKindFunction
}

// IsMutating returns true - writing files modifies the environment.
func (t *WriteFileTool) IsMutating(invocation *tools.ToolInvocation) bool {
	return true
}

// Handle writes content to a file, creating parent directories if needed.
func (t *WriteFileTool) Handle(_ context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	pathArg, ok := invocation.Arguments["path"]
	if !ok {
		return nil, tools.NewValidationError("missing required argument: path")
	}
	path, ok := pathArg.(string)
	if !ok || path == "" {
		return nil, tools.NewValidationError("path must be a non-empty string")
	}

	contentArg, ok := invocation.Arguments["content"]
	if !ok {
		return nil, tools.NewValidationError("missing required argument: content")
	}
	content, ok := contentArg.(string)
	if !ok {
		return nil, tools.NewValidationError("content must be a string")
	}

	if !filepath.IsAbs(path) && invocation.Cwd != "" {
		path = filepath.Join(invocation.Cwd, path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, writeDirMode); err != nil {
			success := false
			return &tools.ToolOutput{
				Content: fmt.Sprintf("Failed to create parent directories: %v", err),
				Success: &success,
			}, nil
		}
	}

	if err := os.WriteFile(path, []byte(content), writeFileMode); err != nil {
		success := false
		return &tools.ToolOutput{
			Content: fmt.Sprintf("Failed to write file: %v", err),
			Success: &success,
		}, nil
	}

	success := true
	return &tools.ToolOutput{
		Content: fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		Success: &success,
	}, nil
}
