// Package workflow contains Temporal workflow definitions.
//
// state.go manages workflow state, separated from workflow logic.
package workflow

import (
	"github.com/jpeltier/turnharness/internal/history"
	"github.com/jpeltier/turnharness/internal/models"
	"github.com/jpeltier/turnharness/internal/tools"
)

// McpToolLookup maps a qualified MCP tool name to its server/tool routing info.
type McpToolLookup = map[string]tools.McpToolRef

// Handler name constants for Temporal query and update handlers.
const (
	// QueryGetConversationItems returns conversation history.
	QueryGetConversationItems = "get_conversation_items"

	// QueryGetTurnStatus returns the current turn phase and stats.
	// Used by the interactive CLI to drive spinner/state transitions.
	QueryGetTurnStatus = "get_turn_status"

	// UpdateUserInput submits a new user message to the workflow.
	UpdateUserInput = "user_input"

	// UpdateInterrupt aborts the current turn.
	UpdateInterrupt = "interrupt"

	// UpdateShutdown ends the session.
	UpdateShutdown = "shutdown"

	// UpdateApprovalResponse submits the user's tool approval decision.
	UpdateApprovalResponse = "approval_response"

	// UpdateEscalationResponse submits the user's escalation decision (on-failure mode).
	UpdateEscalationResponse = "escalation_response"

	// UpdateUserInputQuestionResponse submits the user's answers to request_user_input questions.
	UpdateUserInputQuestionResponse = "user_input_question_response"

	// UpdateCompact triggers manual context compaction.
	UpdateCompact = "compact"

	// UpdateModel switches the provider/model for subsequent LLM calls.
	UpdateModel = "update_model"

	// UpdatePlanRequest spawns a planner child workflow and returns its ID.
	UpdatePlanRequest = "plan_request"

	// UpdateGetStateUpdate is a blocking long-poll that returns new history
	// items and the current turn status in one round-trip.
	UpdateGetStateUpdate = "get_state_update"

	// UpdateStartReview spawns a review child workflow and returns its ID.
	UpdateStartReview = "start_review"

	// UpdateOverrideContext mutates the session's policy knobs (model,
	// approval, sandbox) for subsequent turns.
	UpdateOverrideContext = "override_context"

	// SignalAgentInput delivers a user message to a child agent workflow.
	SignalAgentInput = "agent_input"

	// SignalAgentShutdown requests a child agent workflow to shut down.
	SignalAgentShutdown = "agent_shutdown"
)

// TurnPhase indicates the current phase of the workflow turn.
type TurnPhase string

const (
	PhaseWaitingForInput   TurnPhase = "waiting_for_input"
	PhaseLLMCalling        TurnPhase = "llm_calling"
	PhaseToolExecuting     TurnPhase = "tool_executing"
	PhaseApprovalPending   TurnPhase = "approval_pending"
	PhaseEscalationPending TurnPhase = "escalation_pending"
	PhaseUserInputPending  TurnPhase = "user_input_pending"
	PhaseCompacting        TurnPhase = "compacting"
	PhaseWaitingForAgents  TurnPhase = "waiting_for_agents"
)

// TaskKind distinguishes the kind of session a workflow is running.
type TaskKind string

const (
	TaskKindRegular TaskKind = "regular"
	TaskKindReview  TaskKind = "review"
)

// TurnStatus is the response from the get_turn_status query.
type TurnStatus struct {
	Phase                   TurnPhase                `json:"phase"`
	TaskKind                TaskKind                 `json:"task_kind,omitempty"`
	CurrentTurnID           string                   `json:"current_turn_id"`
	ToolsInFlight           []string                 `json:"tools_in_flight,omitempty"`
	PendingApprovals        []PendingApproval        `json:"pending_approvals,omitempty"`
	PendingEscalations      []EscalationRequest      `json:"pending_escalations,omitempty"`
	PendingUserInputRequest *PendingUserInputRequest `json:"pending_user_input_request,omitempty"`
	IterationCount          int                      `json:"iteration_count"`
	TotalTokens             int                      `json:"total_tokens"`
	TotalCachedTokens       int                      `json:"total_cached_tokens,omitempty"`
	TurnCount               int                      `json:"turn_count"`
	WorkerVersion           string                   `json:"worker_version,omitempty"`
	CurrentPlan             []PlanStep               `json:"current_plan,omitempty"`
	Suggestion              string                   `json:"suggestion,omitempty"`
}

// WorkflowInput is the initial input to start a conversation.
type WorkflowInput struct {
	ConversationID string                      `json:"conversation_id"`
	UserMessage    string                      `json:"user_message"`
	Config         models.SessionConfiguration `json:"config"`
	// Depth tracks subagent nesting level. 0 = top-level, 1 = child.
	Depth int `json:"depth,omitempty"`
}

// UserInput is the payload for the user_input Update.
type UserInput struct {
	Content string `json:"content"`
}

// UserInputAccepted is returned by the user_input Update after acceptance.
type UserInputAccepted struct {
	TurnID string `json:"turn_id"`
}

// InterruptRequest is the payload for the interrupt Update.
type InterruptRequest struct{}

// InterruptResponse is returned by the interrupt Update.
type InterruptResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ShutdownRequest is the payload for the shutdown Update.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownResponse is returned by the shutdown Update.
type ShutdownResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ApprovalKind distinguishes what an approval request gates.
type ApprovalKind string

const (
	// ApprovalKindExec covers shell and MCP tool invocations.
	ApprovalKindExec ApprovalKind = "exec"
	// ApprovalKindPatch covers file mutations (write_file, apply_patch).
	ApprovalKindPatch ApprovalKind = "patch"
)

// PendingApproval describes a tool call awaiting user approval.
type PendingApproval struct {
	CallID    string       `json:"call_id"`
	ToolName  string       `json:"tool_name"`
	Kind      ApprovalKind `json:"kind"`
	Arguments string       `json:"arguments"`        // Raw JSON string of arguments
	Reason    string       `json:"reason,omitempty"` // Why approval is needed (from policy justification or heuristic)

	// Fingerprint is the stable session-approval cache key for this call:
	// the normalized command vector for shell, the qualified server/tool name
	// for MCP tools, the bare tool name otherwise. Never derived from
	// free-form arguments.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ApprovalResponse is the user's decision on pending tool approvals.
type ApprovalResponse struct {
	Approved []string `json:"approved"` // CallIDs the user approved
	Denied   []string `json:"denied"`   // CallIDs the user denied

	// ApprovedForSession lists CallIDs approved for the rest of the session:
	// they execute now and their fingerprints are cached so matching calls
	// skip the approval prompt until shutdown.
	ApprovedForSession []string `json:"approved_for_session,omitempty"`
}

// ApprovalResponseAck is returned by the approval_response Update after acceptance.
type ApprovalResponseAck struct{}

// EscalationRequest describes a failed sandboxed tool call awaiting user escalation.
type EscalationRequest struct {
	CallID    string `json:"call_id"`
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"` // Failed output from sandboxed execution
	Reason    string `json:"reason"` // Why escalation is needed
}

// EscalationResponse is the user's decision on escalation.
type EscalationResponse struct {
	Approved []string `json:"approved"` // CallIDs to re-execute without sandbox
	Denied   []string `json:"denied"`   // CallIDs to reject
}

// EscalationResponseAck is returned by the escalation_response Update.
type EscalationResponseAck struct{}

// RequestUserInputQuestionOption describes a single option for a user input question.
type RequestUserInputQuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// RequestUserInputQuestion describes a single question for the user.
type RequestUserInputQuestion struct {
	ID       string                           `json:"id"`
	Header   string                           `json:"header,omitempty"`
	Question string                           `json:"question"`
	IsOther  bool                             `json:"is_other,omitempty"`
	Options  []RequestUserInputQuestionOption `json:"options"`
}

// PendingUserInputRequest describes a request_user_input call awaiting user response.
type PendingUserInputRequest struct {
	CallID    string                     `json:"call_id"`
	Questions []RequestUserInputQuestion `json:"questions"`
}

// UserInputQuestionAnswer holds the selected answers for a single question.
type UserInputQuestionAnswer struct {
	Answers []string `json:"answers"`
}

// UserInputQuestionResponse is the user's response to a request_user_input call.
type UserInputQuestionResponse struct {
	Answers map[string]UserInputQuestionAnswer `json:"answers"`
}

// UserInputQuestionResponseAck is returned by the user_input_question_response Update.
type UserInputQuestionResponseAck struct{}

// UpdateModelRequest is the payload for the update_model Update.
type UpdateModelRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// ContextWindow overrides the profile default when > 0.
	ContextWindow int `json:"context_window,omitempty"`
}

// UpdateModelResponse is returned by the update_model Update.
type UpdateModelResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// PlanRequest is the payload for the plan_request Update.
type PlanRequest struct {
	Message string `json:"message"`
}

// PlanRequestAccepted is returned by the plan_request Update once the planner
// child workflow has started.
type PlanRequestAccepted struct {
	AgentID    string `json:"agent_id"`
	WorkflowID string `json:"workflow_id"`
}

// OverrideContextResponse is returned by the override_context Update.
type OverrideContextResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// ReviewRequest is the payload for the start_review Update.
type ReviewRequest struct {
	Instructions string `json:"instructions"`
}

// ReviewStarted is returned by the start_review Update once the review child
// workflow has started.
type ReviewStarted struct {
	AgentID    string `json:"agent_id"`
	WorkflowID string `json:"workflow_id"`
}

// StateUpdateRequest is the payload for the get_state_update Update.
// SinceSeq is the Seq of the last item the caller has rendered (-1 for none);
// SincePhase is the last phase the caller observed.
type StateUpdateRequest struct {
	SinceSeq   int       `json:"since_seq"`
	SincePhase TurnPhase `json:"since_phase"`
}

// StateUpdateResponse carries the delta since the caller's cursor plus a full
// status snapshot. Compacted signals the history was replaced wholesale and
// Items holds the full new history; Completed signals session shutdown.
type StateUpdateResponse struct {
	TurnID    string                    `json:"turn_id"`
	Items     []models.ConversationItem `json:"items"`
	Status    TurnStatus                `json:"status"`
	Compacted bool                      `json:"compacted"`
	Completed bool                      `json:"completed"`
}

// CompactRequest is the payload for the compact Update.
type CompactRequest struct{}

// CompactResponse is returned by the compact Update.
type CompactResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// AgentInputSignal is the payload for the agent_input signal.
// Sent from parent to child workflow via SignalExternalWorkflow.
type AgentInputSignal struct {
	Content   string `json:"content"`
	Interrupt bool   `json:"interrupt"`
}

// SessionState is passed through ContinueAsNew.
// Uses ContextManager interface to allow pluggable storage backends.
type SessionState struct {
	ConversationID string                      `json:"conversation_id"`
	History        history.ContextManager      `json:"-"`             // Not serialized directly; see note below
	HistoryItems   []models.ConversationItem   `json:"history_items"` // Serialized form for ContinueAsNew
	ToolSpecs      []tools.ToolSpec            `json:"tool_specs"`
	Config         models.SessionConfiguration `json:"config"`

	// ResolvedProfile is the merged model profile (provider/model-specific
	// prompt suffix, tool overrides, sampling defaults). Computed once via
	// resolveProfile before the first turn.
	ResolvedProfile models.ResolvedProfile `json:"resolved_profile"`

	// McpToolLookup routes qualified MCP tool names (mcp__server__tool) to
	// their server/tool pair for activity dispatch. Populated by
	// initMcpServers when Config.McpServers is non-empty.
	McpToolLookup McpToolLookup `json:"mcp_tool_lookup,omitempty"`

	// Suggestion is the best-effort post-turn prompt suggestion, cleared at
	// the start of each turn.
	Suggestion string `json:"suggestion,omitempty"`

	// Iteration tracking
	IterationCount int `json:"iteration_count"`
	MaxIterations  int `json:"max_iterations"`

	// Multi-turn state
	PendingUserInput  bool   `json:"pending_user_input"` // New user input waiting
	ShutdownRequested bool   `json:"shutdown_requested"` // Session shutdown requested
	Interrupted       bool   `json:"interrupted"`        // Current turn interrupted
	CurrentTurnID     string `json:"current_turn_id"`    // Active turn ID

	// Turn phase tracking (for CLI polling)
	Phase            TurnPhase         `json:"phase"`
	ToolsInFlight    []string          `json:"tools_in_flight,omitempty"`
	PendingApprovals []PendingApproval `json:"pending_approvals,omitempty"`

	// Approval transient state (not serialized — lost on ContinueAsNew)
	ApprovalReceived bool              `json:"-"`
	ApprovalResponse *ApprovalResponse `json:"-"`

	// Escalation transient state (on-failure mode)
	PendingEscalations []EscalationRequest `json:"pending_escalations,omitempty"`
	EscalationReceived bool                `json:"-"`
	EscalationResponse *EscalationResponse `json:"-"`

	// User input question transient state (request_user_input interception)
	PendingUserInputReq *PendingUserInputRequest   `json:"pending_user_input_request,omitempty"`
	UserInputQReceived  bool                       `json:"-"`
	UserInputQResponse  *UserInputQuestionResponse `json:"-"`

	// Transient: user requested manual compaction via /compact command
	CompactRequested bool `json:"-"`

	// Exec policy rules (serialized text, persists across ContinueAsNew)
	ExecPolicyRules string `json:"exec_policy_rules,omitempty"`

	// Total iterations across all turns (persists across ContinueAsNew).
	// Used to trigger ContinueAsNew when history grows too large.
	TotalIterationsForCAN int `json:"total_iterations_for_can"`

	// OpenAI Responses API: last response ID for incremental sends
	// Persists across CAN to enable chaining across workflow continuations.
	LastResponseID string `json:"last_response_id,omitempty"`

	// Transient: tracks how many history items were sent in the last LLM call,
	// enabling incremental sends (only new items after this index).
	// Reset on history modification (compaction, DropOldestUserTurns).
	lastSentHistoryLen int `json:"-"`

	// Context compaction tracking
	CompactionCount   int  `json:"compaction_count"` // How many times compaction has occurred
	compactedThisTurn bool `json:"-"`                // Prevents double compaction in one turn

	// Repeated tool call detection (transient — not serialized)
	lastToolKey string `json:"-"`
	repeatCount int    `json:"-"`

	// Cumulative stats (persist across ContinueAsNew)
	TotalTokens       int      `json:"total_tokens"`
	TotalCachedTokens int      `json:"total_cached_tokens"`
	ToolCallsExecuted []string `json:"tool_calls_executed"`

	// SessionApprovals holds fingerprints of tool calls the user approved for
	// the rest of the session. Entries are never removed; persists across
	// ContinueAsNew.
	SessionApprovals []string `json:"session_approvals,omitempty"`

	// Model switch tracking. PreviousModel/PreviousContextWindow persist so a
	// ContinueAsNew mid-switch still injects the model-switch notice.
	PreviousModel         string `json:"previous_model,omitempty"`
	PreviousContextWindow int    `json:"previous_context_window,omitempty"`
	ModelSwitched         bool   `json:"model_switched,omitempty"`

	// Subagent control — manages child workflow lifecycles.
	AgentCtl *AgentControl `json:"agent_ctl,omitempty"`

	// CurrentPlan is the task plan maintained via update_plan calls, surfaced
	// to the CLI for display. Persists across ContinueAsNew.
	CurrentPlan []PlanStep `json:"current_plan,omitempty"`

	// ReviewMode marks a review session (ReviewWorkflow): read-only tools, a
	// review system prompt, and a closing "review exited" message when the
	// session is interrupted or shut down.
	ReviewMode bool `json:"review_mode,omitempty"`
}

// PlanStep is a single step in the task plan tracked via update_plan.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"` // "pending", "in_progress", "completed"
}

// WorkflowResult is the final result of the workflow.
type WorkflowResult struct {
	ConversationID    string   `json:"conversation_id"`
	TotalIterations   int      `json:"total_iterations"`
	TotalTokens       int      `json:"total_tokens"`
	ToolCallsExecuted []string `json:"tool_calls_executed"`
	EndReason         string   `json:"end_reason,omitempty"` // "shutdown", "error"
	// FinalMessage is the last assistant message from the workflow.
	// Used by parent workflows to get the child's result.
	FinalMessage string `json:"final_message,omitempty"`
}

// initHistory initializes the History field from HistoryItems.
// Called after deserialization (ContinueAsNew) to restore the interface.
func (s *SessionState) initHistory() {
	h := history.NewInMemoryHistory()
	for _, item := range s.HistoryItems {
		h.AddItem(item)
	}
	s.History = h
}

// syncHistoryItems copies history to HistoryItems for serialization.
// Called before ContinueAsNew to persist state.
func (s *SessionState) syncHistoryItems() {
	items, _ := s.History.GetRawItems()
	s.HistoryItems = items
}

// isSessionApproved reports whether the fingerprint was previously approved
// for the session.
func (s *SessionState) isSessionApproved(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	for _, f := range s.SessionApprovals {
		if f == fingerprint {
			return true
		}
	}
	return false
}

// addSessionApproval records a fingerprint as approved for the session.
// Insert-only; duplicates are skipped.
func (s *SessionState) addSessionApproval(fingerprint string) {
	if fingerprint == "" || s.isSessionApproved(fingerprint) {
		return
	}
	s.SessionApprovals = append(s.SessionApprovals, fingerprint)
}
