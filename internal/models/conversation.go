// Package models contains shared types for the turnharness project.
package models

// ConversationItemType represents the type of a conversation item
type ConversationItemType string

const (
	ItemTypeUserMessage        ConversationItemType = "user_message"
	ItemTypeAssistantMessage   ConversationItemType = "assistant_message"
	ItemTypeFunctionCall       ConversationItemType = "function_call"
	ItemTypeFunctionCallOutput ConversationItemType = "function_call_output"

	// Turn markers delimit user-visible turns in the history. They are never
	// sent to the model; providers skip them when building messages.
	ItemTypeTurnStarted  ConversationItemType = "turn_started"
	ItemTypeTurnComplete ConversationItemType = "turn_complete"

	// ItemTypeModelSwitch is a developer-style message injected when the user
	// changes models mid-conversation, so the new model knows about the switch.
	ItemTypeModelSwitch ConversationItemType = "model_switch"
)

// FunctionCallOutputPayload is the result of a single tool invocation,
// recorded in history so the model sees it on the next sampling call.
type FunctionCallOutputPayload struct {
	Content string `json:"content"`
	// Success is nil for tools that don't report a status; otherwise false
	// marks the output as an error result for the model.
	Success *bool `json:"success,omitempty"`
}

// ConversationItem represents a single item in the conversation history.
//
// A turn is recorded as: TurnStarted, UserMessage, then zero or more
// (AssistantMessage | FunctionCall | FunctionCallOutput) items, then
// TurnComplete. FunctionCall and FunctionCallOutput are correlated by CallID.
type ConversationItem struct {
	Type    ConversationItemType `json:"type"`
	Content string               `json:"content,omitempty"`

	// Seq is a monotonically increasing index assigned by the history store,
	// used by clients as a cursor for incremental fetches.
	Seq int `json:"seq"`

	// TurnID tags the item with the user turn that produced it.
	TurnID string `json:"turn_id,omitempty"`

	// Function call fields (ItemTypeFunctionCall / ItemTypeFunctionCallOutput)
	CallID    string                     `json:"call_id,omitempty"`
	Name      string                     `json:"name,omitempty"`      // Tool name
	Arguments string                     `json:"arguments,omitempty"` // Raw JSON string
	Output    *FunctionCallOutputPayload `json:"output,omitempty"`
}

// FinishReason indicates why the LLM stopped generating
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"           // Natural completion
	FinishReasonToolCalls     FinishReason = "tool_calls"     // LLM wants to call tools
	FinishReasonLength        FinishReason = "length"         // Hit token limit
	FinishReasonContentFilter FinishReason = "content_filter" // Content filtered
)

// TokenUsage tracks token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// CachedTokens counts prompt tokens served from the provider's prompt
	// cache (subset of PromptTokens).
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// WebSearchMode controls whether the provider's native web-search tool is
// offered to the model (OpenAI Responses API only).
type WebSearchMode string

const (
	// WebSearchModeOff disables the native web_search tool (default).
	WebSearchModeOff WebSearchMode = ""
	// WebSearchModeAuto lets the model decide when to search.
	WebSearchModeAuto WebSearchMode = "auto"
)
