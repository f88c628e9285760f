// Package workflow contains Temporal workflow definitions.
//
// fingerprint.go derives stable cache keys for session-scoped approvals.
package workflow

import (
	"encoding/json"
	"strings"

	"github.com/jpeltier/turnharness/internal/command_safety"
	"github.com/jpeltier/turnharness/internal/mcp"
)

// approvalFingerprint derives the session-approval cache key for a tool call.
//
// Shell calls key on the normalized command vector: the script is parsed into
// plain word sequences so quoting and whitespace differences collapse to the
// same key, while different commands never collide. MCP calls key on the
// qualified server/tool name. Everything else keys on the tool name alone.
// Free-form arguments (file contents, patch bodies) never enter the key.
func approvalFingerprint(toolName, arguments string) string {
	if strings.HasPrefix(toolName, mcp.McpToolNamePrefix+mcp.McpToolNameDelimiter) {
		return "mcp:" + toolName
	}

	switch toolName {
	case "shell":
		return shellFingerprint(arguments)
	default:
		return "tool:" + toolName
	}
}

// shellFingerprint normalizes a shell tool call's command into a stable key.
// Returns "" (never cacheable) when the command cannot be parsed into plain
// words — substitutions, redirections, and expansions all fail the parse, so
// commands with dynamic behavior are re-approved every time.
func shellFingerprint(arguments string) string {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Command == "" {
		return ""
	}

	parsed := command_safety.ParseShellLcPlainCommands([]string{"bash", "-lc", args.Command})
	if parsed == nil {
		return ""
	}

	var parts []string
	for _, cmd := range parsed {
		parts = append(parts, strings.Join(cmd, "\x00"))
	}
	return "shell:" + strings.Join(parts, "\x01")
}

// approvalKindForTool classifies a tool for the approval UI: file mutations
// are patch approvals, everything else is an exec approval.
func approvalKindForTool(toolName string) ApprovalKind {
	switch toolName {
	case "write_file", "apply_patch":
		return ApprovalKindPatch
	default:
		return ApprovalKindExec
	}
}
