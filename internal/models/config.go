package models

import (
	"github.com/jpeltier/turnharness/internal/mcp"
	"github.com/jpeltier/turnharness/internal/tools"
)

// ModelConfig configures the LLM model parameters
type ModelConfig struct {
	Provider        string  `json:"provider,omitempty"`         // "openai" or "anthropic"; empty defaults to openai
	Model           string  `json:"model"`                      // e.g., "gpt-3.5-turbo", "gpt-4"
	Temperature     float64 `json:"temperature"`                // 0.0 to 2.0
	MaxTokens       int     `json:"max_tokens"`                 // Max tokens to generate
	ContextWindow   int     `json:"context_window"`             // Max context window size
	ReasoningEffort string  `json:"reasoning_effort,omitempty"` // "low", "medium", "high" (reasoning models)
}

// DefaultModelConfig returns a sensible default configuration
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:         "gpt-4o-mini",
		Temperature:   0.7,
		MaxTokens:     4096,
		ContextWindow: 128000,
	}
}

// ToolsConfig configures which tools are enabled
type ToolsConfig struct {
	EnableShell      bool `json:"enable_shell"`
	EnableReadFile   bool `json:"enable_read_file"`
	EnableWriteFile  bool `json:"enable_write_file,omitempty"`  // Built-in write_file tool
	EnableListDir    bool `json:"enable_list_dir,omitempty"`    // Built-in list_dir tool
	EnableGrepFiles  bool `json:"enable_grep_files,omitempty"`  // Built-in grep_files tool
	EnableApplyPatch bool `json:"enable_apply_patch,omitempty"` // Built-in apply_patch tool
	EnableCollab     bool `json:"enable_collab,omitempty"`      // spawn_agent/send_input/wait/close_agent/resume_agent
	EnableUpdatePlan bool `json:"enable_update_plan,omitempty"` // Built-in update_plan tool (intercepted, not dispatched)

	// DisableRequestUserInput removes the request_user_input tool, used for
	// one-shot subagents that have no user to ask.
	DisableRequestUserInput bool `json:"disable_request_user_input,omitempty"`

	// EnableWebSearch offers the provider's native web-search tool to the
	// model. Executed provider-side, never dispatched as an activity.
	EnableWebSearch bool `json:"enable_web_search,omitempty"`
}

// RemoveTools disables the named tools. Recognized names: shell, read_file,
// write_file, list_dir, grep_files, apply_patch, update_plan,
// request_user_input, and "collab" for the whole collaboration tool set.
// Unknown names are ignored.
func (t *ToolsConfig) RemoveTools(names ...string) {
	for _, name := range names {
		switch name {
		case "shell":
			t.EnableShell = false
		case "read_file":
			t.EnableReadFile = false
		case "write_file":
			t.EnableWriteFile = false
		case "list_dir":
			t.EnableListDir = false
		case "grep_files":
			t.EnableGrepFiles = false
		case "apply_patch":
			t.EnableApplyPatch = false
		case "update_plan":
			t.EnableUpdatePlan = false
		case "collab":
			t.EnableCollab = false
		case "request_user_input":
			t.DisableRequestUserInput = true
		}
	}
}

// DefaultToolsConfig returns default tools configuration
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		EnableShell:      true,
		EnableReadFile:   true,
		EnableWriteFile:  true,
		EnableListDir:    true,
		EnableGrepFiles:  true,
		EnableApplyPatch: true,
		EnableUpdatePlan: true,
	}
}

// SessionConfiguration configures a complete agentic session.
type SessionConfiguration struct {
	// Instructions hierarchy (base / developer / user, three tiers)
	BaseInstructions      string `json:"base_instructions,omitempty"`      // Core system prompt for the model
	DeveloperInstructions string `json:"developer_instructions,omitempty"` // Developer overrides (sent as developer message)
	UserInstructions      string `json:"user_instructions,omitempty"`      // Project docs (AGENTS.md content)

	// Model configuration
	Model ModelConfig `json:"model"`

	// Tool configuration
	Tools ToolsConfig `json:"tools"`

	// Execution context
	Cwd string `json:"cwd,omitempty"` // Working directory for tool execution

	// Session metadata
	SessionSource string `json:"session_source,omitempty"` // "cli", "api", "exec" â€” for logging/tracking

	// ApprovalMode controls how aggressively tool calls are gated behind
	// user approval. Empty behaves like ApprovalNever.
	ApprovalMode ApprovalMode `json:"approval_mode,omitempty"`

	// CodexHome is the config directory (default ~/.codex) that exec policy
	// rules and personal instructions are loaded from.
	CodexHome string `json:"codex_home,omitempty"`

	// CLIProjectDocs is AGENTS.md content discovered by the CLI process,
	// used as a fallback when the worker can't see the same filesystem.
	CLIProjectDocs string `json:"cli_project_docs,omitempty"`

	// UserPersonalInstructions is loaded from CodexHome/instructions.md.
	UserPersonalInstructions string `json:"user_personal_instructions,omitempty"`

	// ExecPolicyRules is the serialized exec policy source. When set, it
	// is used directly instead of reloading from CodexHome on the worker.
	ExecPolicyRules string `json:"exec_policy_rules,omitempty"`

	// SessionTaskQueue routes session-scoped activities (tool execution,
	// filesystem loads) to a specific worker in multi-host deployments.
	SessionTaskQueue string `json:"session_task_queue,omitempty"`

	// McpServers configures external MCP tool servers to connect on startup.
	McpServers map[string]mcp.McpServerConfig `json:"mcp_servers,omitempty"`

	// AutoCompactTokenLimit triggers proactive compaction once total tokens
	// sent to the model are estimated to cross this fraction of the context
	// window. Zero disables proactive compaction (compaction still happens
	// reactively on a context-overflow error from the provider).
	AutoCompactTokenLimit int `json:"auto_compact_token_limit,omitempty"`

	// DisableSuggestions turns off post-turn prompt suggestions.
	DisableSuggestions bool `json:"disable_suggestions,omitempty"`

	// SandboxMode selects the tool execution sandbox: "full-access",
	// "read-only", or "workspace-write".
	SandboxMode string `json:"sandbox_mode,omitempty"`

	// SandboxWritableRoots lists extra writable paths for workspace-write mode.
	SandboxWritableRoots []string `json:"sandbox_writable_roots,omitempty"`

	// SandboxNetworkAccess allows outbound network access from the sandbox.
	SandboxNetworkAccess bool `json:"sandbox_network_access,omitempty"`

	// SandboxExcludeTmpdirEnvVar removes $TMPDIR from the writable set in
	// workspace-write mode ($TMPDIR is writable by default).
	SandboxExcludeTmpdirEnvVar bool `json:"sandbox_exclude_tmpdir_env_var,omitempty"`

	// SandboxExcludeSlashTmp removes /tmp from the writable set in
	// workspace-write mode (/tmp is writable by default).
	SandboxExcludeSlashTmp bool `json:"sandbox_exclude_slash_tmp,omitempty"`

	// ShellEnvPolicy filters the environment passed to shell tool processes.
	// Nil inherits the worker's environment unchanged.
	ShellEnvPolicy *tools.EnvPolicyRef `json:"shell_env_policy,omitempty"`

	// CompactionThresholdFraction triggers proactive compaction once total
	// tokens cross this fraction of the model's context window. Only
	// consulted when AutoCompactTokenLimit is zero; zero disables.
	CompactionThresholdFraction float64 `json:"compaction_threshold_fraction,omitempty"`

	// FinalOutputJSONSchema, when set, constrains the final assistant
	// message to this JSON schema (raw JSON Schema document).
	FinalOutputJSONSchema string `json:"final_output_json_schema,omitempty"`
}

// DefaultSessionConfiguration returns sensible defaults.
func DefaultSessionConfiguration() SessionConfiguration {
	return SessionConfiguration{
		Model:                       DefaultModelConfig(),
		Tools:                       DefaultToolsConfig(),
		CompactionThresholdFraction: 0.8,
	}
}
