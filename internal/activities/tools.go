package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"

	"github.com/jpeltier/turnharness/internal/mcp"
	"github.com/jpeltier/turnharness/internal/models"
	"github.com/jpeltier/turnharness/internal/tools"
)

// ToolActivityInput is the input for tool execution.
type ToolActivityInput struct {
	CallID    string                 `json:"call_id"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
	Cwd       string                 `json:"cwd,omitempty"`

	// SandboxPolicy, if set, restricts the execution environment.
	SandboxPolicy *tools.SandboxPolicyRef `json:"sandbox_policy,omitempty"`

	// EnvPolicy, if set, filters environment variables before execution.
	EnvPolicy *tools.EnvPolicyRef `json:"env_policy,omitempty"`

	// MCP routing — set for mcp__* tool calls. The call dispatches to the
	// "mcp" handler, which resolves the session's connection manager.
	McpToolRef *tools.McpToolRef              `json:"mcp_tool_ref,omitempty"`
	SessionID  string                         `json:"session_id,omitempty"`
	McpServers map[string]mcp.McpServerConfig `json:"mcp_servers,omitempty"`
}

// ToolActivityOutput is the output from tool execution.
// Only returned on successful activity completion. Infrastructure errors
// are returned as temporal.ApplicationError (retryable or non-retryable).
type ToolActivityOutput struct {
	CallID  string `json:"call_id"`
	Content string `json:"content,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// ToolActivities contains tool-related activities.
type ToolActivities struct {
	registry *tools.ToolRegistry
}

// NewToolActivities creates a new ToolActivities instance.
func NewToolActivities(registry *tools.ToolRegistry) *ToolActivities {
	return &ToolActivities{registry: registry}
}

// ExecuteTool executes a single tool call.
//
// Error handling:
//   - Tool not found → non-retryable ApplicationError (ToolNotFound)
//   - Handler validation error → non-retryable ApplicationError (ToolValidation)
//   - Handler timeout → non-retryable ApplicationError (ToolTimeout)
//   - Tool runs but fails (e.g., command exits non-zero) → successful return with Success=false
//   - Tool runs successfully → successful return with Success=true
func (a *ToolActivities) ExecuteTool(ctx context.Context, input ToolActivityInput) (ToolActivityOutput, error) {
	// MCP calls share the single "mcp" handler; everything else is keyed by
	// tool name directly.
	handlerName := input.ToolName
	if input.McpToolRef != nil {
		handlerName = "mcp"
	}

	handler, err := a.registry.GetHandler(handlerName)
	if err != nil {
		return ToolActivityOutput{}, models.NewToolNotFoundError(input.ToolName)
	}

	invocation := &tools.ToolInvocation{
		CallID:        input.CallID,
		ToolName:      input.ToolName,
		Arguments:     input.Arguments,
		Cwd:           input.Cwd,
		SandboxPolicy: input.SandboxPolicy,
		EnvPolicy:     input.EnvPolicy,
		McpToolRef:    input.McpToolRef,
		SessionID:     input.SessionID,
	}
	if input.McpServers != nil {
		invocation.McpServers = input.McpServers
	}
	if activity.IsActivity(ctx) {
		invocation.Heartbeat = func(details ...interface{}) {
			activity.RecordHeartbeat(ctx, details...)
		}
	}

	output, err := handler.Handle(ctx, invocation)
	if err != nil {
		return ToolActivityOutput{}, classifyHandlerError(input.ToolName, err)
	}

	return ToolActivityOutput{
		CallID:  input.CallID,
		Content: output.Content,
		Success: output.Success,
	}, nil
}

// classifyHandlerError converts a handler error into the appropriate
// temporal.ApplicationError based on the error context.
//
// Currently all handler errors are non-retryable because they represent
// validation failures (missing args, bad types) or execution issues
// (timeouts) that won't resolve on retry. If a handler detects a
// transient issue, it should wrap it with tools.NewTransientError so this
// function can classify it as retryable.
func classifyHandlerError(toolName string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewToolTimeoutError(toolName, err)
	}

	// Default: treat handler errors as validation/execution errors (non-retryable).
	// The same invalid input will produce the same error on retry.
	return models.NewToolValidationError(toolName, err)
}
