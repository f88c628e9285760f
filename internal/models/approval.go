package models

// ApprovalMode controls how aggressively the workflow asks the user before
// executing tool calls.
type ApprovalMode string

const (
	// ApprovalNever auto-approves every tool call. Equivalent to full trust.
	ApprovalNever ApprovalMode = "never"

	// ApprovalUnlessTrusted prompts for anything the exec policy or built-in
	// heuristics don't already classify as safe.
	ApprovalUnlessTrusted ApprovalMode = "unless-trusted"

	// ApprovalOnFailure runs commands sandboxed without prompting, then offers
	// an escalation prompt only when a command fails in a way that looks like
	// a sandbox denial.
	ApprovalOnFailure ApprovalMode = "on-failure"
)
