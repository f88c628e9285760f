package cli

import (
	"github.com/jpeltier/turnharness/internal/models"
	"github.com/jpeltier/turnharness/internal/workflow"
)

// WorkflowStartedMsg is sent when a workflow has been started or resumed.
type WorkflowStartedMsg struct {
	WorkflowID string
	Items      []models.ConversationItem // Non-nil only for resume
	Status     workflow.TurnStatus       // Non-zero only for resume
	IsResume   bool
}

// WorkflowStartErrorMsg is sent when starting/resuming a workflow fails.
type WorkflowStartErrorMsg struct {
	Err error
}

// PollResultMsg wraps a PollResult from the polling goroutine.
type PollResultMsg struct {
	Result PollResult
}

// UserInputSentMsg is sent after user input has been successfully sent.
type UserInputSentMsg struct {
	TurnID string
}

// UserInputErrorMsg is sent when sending user input fails.
type UserInputErrorMsg struct {
	Err error
}

// InterruptSentMsg is sent after an interrupt has been successfully sent.
type InterruptSentMsg struct{}

// InterruptErrorMsg is sent when sending an interrupt fails.
type InterruptErrorMsg struct {
	Err error
}

// ShutdownSentMsg is sent after a shutdown has been successfully sent.
type ShutdownSentMsg struct{}

// ShutdownErrorMsg is sent when sending a shutdown fails.
type ShutdownErrorMsg struct {
	Err error
}

// ApprovalSentMsg is sent after an approval response has been sent.
type ApprovalSentMsg struct{}

// ApprovalErrorMsg is sent when sending an approval response fails.
type ApprovalErrorMsg struct {
	Err error
}

// EscalationSentMsg is sent after an escalation response has been sent.
type EscalationSentMsg struct{}

// EscalationErrorMsg is sent when sending an escalation response fails.
type EscalationErrorMsg struct {
	Err error
}

// SessionCompletedMsg is sent when the workflow completes.
type SessionCompletedMsg struct {
	Result *workflow.WorkflowResult // nil if unavailable
}

// SessionErrorMsg is sent when the workflow encounters an unrecoverable error.
type SessionErrorMsg struct {
	Err error
}

// UserInputQuestionSentMsg is sent after a user input question response has been sent.
type UserInputQuestionSentMsg struct{}

// UserInputQuestionErrorMsg is sent when sending a user input question response fails.
type UserInputQuestionErrorMsg struct {
	Err error
}

// CompactSentMsg signals the compact Update was accepted.
type CompactSentMsg struct{}

// CompactErrorMsg signals the compact Update failed.
type CompactErrorMsg struct {
	Err error
}

// ModelUpdateSentMsg signals the update_model Update was accepted.
type ModelUpdateSentMsg struct {
	Provider string
	Model    string
}

// ModelUpdateErrorMsg signals the update_model Update failed.
type ModelUpdateErrorMsg struct {
	Err error
}

// modelOption is one selectable model from a provider's list-models API.
type modelOption struct {
	Provider    string
	Model       string
	DisplayName string
}

// ModelsFetchedMsg carries the provider model lists for the /models command.
// Nil Models with nil Err means every provider was skipped (no API keys).
type ModelsFetchedMsg struct {
	Models []modelOption
	Err    error
}

// PlanRequestAcceptedMsg signals the plan_request Update was accepted and the
// planner child workflow started.
type PlanRequestAcceptedMsg struct {
	AgentID    string
	WorkflowID string
}

// PlanRequestErrorMsg signals the plan_request Update failed.
type PlanRequestErrorMsg struct {
	Err error
}

// ChildAgentResultMsg carries a child agent's final message (a plan or a
// review). Empty Text means the child produced nothing (or the query failed).
type ChildAgentResultMsg struct {
	Text string
}

// ReviewStartedMsg signals the start_review Update was accepted and the
// review child workflow started.
type ReviewStartedMsg struct {
	AgentID    string
	WorkflowID string
}

// ReviewRequestErrorMsg signals the start_review Update failed.
type ReviewRequestErrorMsg struct {
	Err error
}
