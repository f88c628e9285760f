// Package activities contains Temporal activity implementations.
package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"

	"github.com/jpeltier/turnharness/internal/instructions"
	"github.com/jpeltier/turnharness/internal/llm"
	"github.com/jpeltier/turnharness/internal/models"
	"github.com/jpeltier/turnharness/internal/tools"
)

// LLMActivityInput is the input for the LLM activity.
type LLMActivityInput struct {
	History     []models.ConversationItem `json:"history"`
	ModelConfig models.ModelConfig        `json:"model_config"`
	ToolSpecs   []tools.ToolSpec          `json:"tool_specs"`

	// Instructions hierarchy (base / developer / user, three tiers)
	BaseInstructions      string `json:"base_instructions,omitempty"`
	DeveloperInstructions string `json:"developer_instructions,omitempty"`
	UserInstructions      string `json:"user_instructions,omitempty"`

	// OpenAI Responses API: chain to previous response for incremental sends
	PreviousResponseID string `json:"previous_response_id,omitempty"`

	// Web search mode (OpenAI-only). When set, the native web_search tool is added.
	WebSearchMode models.WebSearchMode `json:"web_search_mode,omitempty"`

	// OutputJSONSchema, when set, constrains the final assistant message to
	// this JSON schema (raw JSON Schema document).
	OutputJSONSchema string `json:"output_json_schema,omitempty"`
}

// LLMActivityOutput is the output from the LLM activity.
// Items contains all response items (assistant messages + function calls),
// the accumulated response items for one sampling call.
type LLMActivityOutput struct {
	Items        []models.ConversationItem `json:"items"`
	FinishReason models.FinishReason       `json:"finish_reason"`
	TokenUsage   models.TokenUsage         `json:"token_usage"`

	// OpenAI Responses API: response ID for chaining
	ResponseID string `json:"response_id,omitempty"`
}

// LLMActivities contains LLM-related activities.
type LLMActivities struct {
	client llm.LLMClient
}

// NewLLMActivities creates a new LLMActivities instance.
func NewLLMActivities(client llm.LLMClient) *LLMActivities {
	return &LLMActivities{client: client}
}

// ExecuteLLMCall executes an LLM call and returns the complete response.
func (a *LLMActivities) ExecuteLLMCall(ctx context.Context, input LLMActivityInput) (LLMActivityOutput, error) {
	request := llm.LLMRequest{
		History:               input.History,
		ModelConfig:           input.ModelConfig,
		ToolSpecs:             input.ToolSpecs,
		BaseInstructions:      input.BaseInstructions,
		DeveloperInstructions: input.DeveloperInstructions,
		UserInstructions:      input.UserInstructions,
		PreviousResponseID:    input.PreviousResponseID,
		WebSearchMode:         input.WebSearchMode,
		OutputJSONSchema:      input.OutputJSONSchema,
	}

	response, err := a.client.Call(ctx, request)
	if err != nil {
		var activityErr *models.ActivityError
		if errors.As(err, &activityErr) {
			return LLMActivityOutput{}, models.WrapActivityError(activityErr)
		}
		return LLMActivityOutput{}, err
	}

	// Best-effort check of the structured-output contract: providers with
	// native schema enforcement never fail this, but a fallback provider can,
	// and the mismatch should be visible in worker logs.
	if input.OutputJSONSchema != "" && response.FinishReason == models.FinishReasonStop {
		for i := len(response.Items) - 1; i >= 0; i-- {
			item := response.Items[i]
			if item.Type != models.ItemTypeAssistantMessage || item.Content == "" {
				continue
			}
			if err := llm.ValidateStructuredOutput(input.OutputJSONSchema, item.Content); err != nil {
				activity.GetLogger(ctx).Warn("Final message violates output schema", "error", err)
			}
			break
		}
	}

	return LLMActivityOutput{
		Items:        response.Items,
		FinishReason: response.FinishReason,
		TokenUsage:   response.TokenUsage,
		ResponseID:   response.ResponseID,
	}, nil
}

// CompactActivityInput is the input for the compact activity.
type CompactActivityInput struct {
	Model        string                    `json:"model"`
	Input        []models.ConversationItem `json:"input"`
	Instructions string                    `json:"instructions,omitempty"`
}

// CompactActivityOutput is the output from the compact activity.
type CompactActivityOutput struct {
	Items      []models.ConversationItem `json:"items"`
	TokenUsage models.TokenUsage         `json:"token_usage"`
}

// ExecuteCompact performs context compaction via the LLM provider.
// For OpenAI, uses remote compaction (POST /responses/compact).
// For other providers, uses local compaction (LLM summarization).
func (a *LLMActivities) ExecuteCompact(ctx context.Context, input CompactActivityInput) (CompactActivityOutput, error) {
	resp, err := a.client.Compact(ctx, llm.CompactRequest{
		Model:        input.Model,
		Input:        input.Input,
		Instructions: input.Instructions,
	})
	if err != nil {
		var activityErr *models.ActivityError
		if errors.As(err, &activityErr) {
			return CompactActivityOutput{}, models.WrapActivityError(activityErr)
		}
		return CompactActivityOutput{}, err
	}

	return CompactActivityOutput{
		Items:      resp.Items,
		TokenUsage: resp.TokenUsage,
	}, nil
}

// SuggestionInput is the input for the GenerateSuggestions activity.
type SuggestionInput struct {
	UserMessage      string             `json:"user_message"`
	AssistantMessage string             `json:"assistant_message"`
	ToolSummaries    []string           `json:"tool_summaries,omitempty"`
	ModelConfig      models.ModelConfig `json:"model_config"`
}

// SuggestionOutput is the output from the GenerateSuggestions activity.
type SuggestionOutput struct {
	Suggestion string `json:"suggestion"` // Single suggestion or empty string
}

// GenerateSuggestions calls a cheap/fast LLM to generate a single prompt
// suggestion after a turn completes. Best-effort: any error returns empty.
func (a *LLMActivities) GenerateSuggestions(ctx context.Context, input SuggestionInput) (SuggestionOutput, error) {
	userContent := instructions.BuildSuggestionInput(
		input.UserMessage, input.AssistantMessage, input.ToolSummaries)

	request := llm.LLMRequest{
		History: []models.ConversationItem{
			{
				Type:    models.ItemTypeUserMessage,
				Content: userContent,
			},
		},
		ModelConfig:      input.ModelConfig,
		BaseInstructions: instructions.SuggestionSystemPrompt,
	}

	response, err := a.client.Call(ctx, request)
	if err != nil {
		// Best-effort: return empty on any error
		return SuggestionOutput{}, nil
	}

	// Extract the first assistant message content
	for _, item := range response.Items {
		if item.Type == models.ItemTypeAssistantMessage && item.Content != "" {
			suggestion := instructions.ParseSuggestionResponse(item.Content)
			return SuggestionOutput{Suggestion: suggestion}, nil
		}
	}

	return SuggestionOutput{}, nil
}

// EstimateContextUsage estimates if we're approaching context window limits.
func (a *LLMActivities) EstimateContextUsage(ctx context.Context, history []models.ConversationItem, contextWindow int) (float64, error) {
	totalChars := 0
	for _, item := range history {
		totalChars += len(item.Content)
		totalChars += len(item.Arguments)
		totalChars += len(item.Name)
		if item.Output != nil {
			totalChars += len(item.Output.Content)
		}
	}

	estimatedTokens := totalChars / 4
	usage := float64(estimatedTokens) / float64(contextWindow)
	return usage, nil
}
