package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jpeltier/turnharness/internal/models"
	"github.com/jpeltier/turnharness/internal/tools"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIClient implements LLMClient using OpenAI's API
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI client
func NewOpenAIClient() *OpenAIClient {
	apiKey := os.Getenv("OPENAI_API_KEY")
	client := openai.NewClient(option.WithAPIKey(apiKey))

	return &OpenAIClient{
		client: client,
	}
}

// Call sends a request to OpenAI and returns the complete response.
// The response items match our ConversationItem format.
func (c *OpenAIClient) Call(ctx context.Context, request LLMRequest) (LLMResponse, error) {
	messages := c.buildMessages(request)

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(request.ModelConfig.Model),
		Messages: messages,
	}

	if request.ModelConfig.Temperature > 0 {
		params.Temperature = param.NewOpt(request.ModelConfig.Temperature)
	}
	if request.ModelConfig.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(request.ModelConfig.MaxTokens))
	}

	// Add tool definitions if tools are provided
	if len(request.ToolSpecs) > 0 {
		params.Tools = c.buildToolDefinitions(request.ToolSpecs)
	}

	// Native web search (search-capable models only)
	if request.WebSearchMode != models.WebSearchModeOff {
		params.WebSearchOptions = openai.ChatCompletionNewParamsWebSearchOptions{}
	}

	// Structured output: delegate schema enforcement to the provider.
	if request.OutputJSONSchema != "" {
		var schema map[string]interface{}
		if err := json.Unmarshal([]byte(request.OutputJSONSchema), &schema); err != nil {
			return LLMResponse{}, models.NewFatalError(fmt.Sprintf("invalid output schema: %v", err))
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "final_output",
					Schema: schema,
					Strict: param.NewOpt(true),
				},
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return LLMResponse{}, classifyError(err)
	}

	if len(completion.Choices) == 0 {
		return LLMResponse{}, models.NewFatalError("no choices in response")
	}

	choice := completion.Choices[0]

	items := make([]models.ConversationItem, 0, 1+len(choice.Message.ToolCalls))
	finishReason := models.FinishReasonStop

	if choice.Message.Content != "" {
		items = append(items, models.ConversationItem{
			Type:    models.ItemTypeAssistantMessage,
			Content: choice.Message.Content,
		})
	}

	for _, tc := range choice.Message.ToolCalls {
		items = append(items, models.ConversationItem{
			Type:      models.ItemTypeFunctionCall,
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if len(items) == 0 {
		// Empty completion — keep the turn structure intact for history.
		items = append(items, models.ConversationItem{Type: models.ItemTypeAssistantMessage})
	}

	switch choice.FinishReason {
	case "tool_calls":
		finishReason = models.FinishReasonToolCalls
	case "length":
		finishReason = models.FinishReasonLength
	case "content_filter":
		finishReason = models.FinishReasonContentFilter
	default:
		if len(choice.Message.ToolCalls) > 0 {
			finishReason = models.FinishReasonToolCalls
		}
	}

	return LLMResponse{
		Items:        items,
		FinishReason: finishReason,
		TokenUsage: models.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
			CachedTokens:     int(completion.Usage.PromptTokensDetails.CachedTokens),
		},
	}, nil
}

// compactionPrompt instructs the model to produce the condensed history form.
const compactionPrompt = `Summarize the conversation so far for your own later use. ` +
	`Preserve: the user's goal, decisions made, files and commands involved, ` +
	`tool results that still matter, and any unresolved problems. ` +
	`Be dense; drop pleasantries and superseded attempts.`

// Compact performs local compaction: the full history is sent with a
// summarization prompt and the response replaces it, seeded with the first
// user message so the original intent survives verbatim.
func (c *OpenAIClient) Compact(ctx context.Context, request CompactRequest) (CompactResponse, error) {
	messages := c.convertHistoryToMessages(request.Input)
	messages = append(messages, openai.UserMessage(compactionPrompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(request.Model),
		Messages: messages,
	}
	if request.Instructions != "" {
		params.Messages = append(
			[]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(request.Instructions)},
			params.Messages...)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return CompactResponse{}, classifyError(err)
	}
	if len(completion.Choices) == 0 {
		return CompactResponse{}, models.NewFatalError("no choices in compaction response")
	}

	items := compactedHistory(request.Input, completion.Choices[0].Message.Content)

	return CompactResponse{
		Items: items,
		TokenUsage: models.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
			CachedTokens:     int(completion.Usage.PromptTokensDetails.CachedTokens),
		},
	}, nil
}

// compactedHistory builds the replacement history: the first user message
// (the preserved seed) followed by a single summary item.
func compactedHistory(input []models.ConversationItem, summary string) []models.ConversationItem {
	items := make([]models.ConversationItem, 0, 2)
	for _, item := range input {
		if item.Type == models.ItemTypeUserMessage {
			items = append(items, models.ConversationItem{
				Type:    models.ItemTypeUserMessage,
				Content: item.Content,
				TurnID:  item.TurnID,
			})
			break
		}
	}
	items = append(items, models.ConversationItem{
		Type:    models.ItemTypeAssistantMessage,
		Content: fmt.Sprintf("[Conversation summary]\n%s", summary),
	})
	return items
}

// buildMessages assembles the full message list for a sampling call:
// system (base + user instructions merged), developer instructions, then the
// converted conversation history.
func (c *OpenAIClient) buildMessages(request LLMRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(request.History)+2)

	var systemParts []string
	if request.BaseInstructions != "" {
		systemParts = append(systemParts, request.BaseInstructions)
	}
	if request.UserInstructions != "" {
		systemParts = append(systemParts, request.UserInstructions)
	}
	if len(systemParts) > 0 {
		messages = append(messages, openai.SystemMessage(strings.Join(systemParts, "\n\n")))
	}

	if request.DeveloperInstructions != "" {
		messages = append(messages, openai.DeveloperMessage(request.DeveloperInstructions))
	}

	messages = append(messages, c.convertHistoryToMessages(request.History)...)
	return messages
}

// convertHistoryToMessages converts conversation history to OpenAI messages format.
//
// OpenAI requires that tool result messages are preceded by an assistant message
// containing the corresponding tool_calls, so consecutive FunctionCall items are
// folded into the assistant message that precedes them (or wrapped in a fresh
// assistant message when orphaned).
func (c *OpenAIClient) convertHistoryToMessages(history []models.ConversationItem) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))

	i := 0
	for i < len(history) {
		item := history[i]

		switch item.Type {
		case models.ItemTypeUserMessage:
			messages = append(messages, openai.UserMessage(item.Content))
			i++

		case models.ItemTypeModelSwitch:
			// Model-switch notices travel as developer messages.
			messages = append(messages, openai.DeveloperMessage(item.Content))
			i++

		case models.ItemTypeAssistantMessage, models.ItemTypeFunctionCall:
			var content string
			j := i
			if item.Type == models.ItemTypeAssistantMessage {
				content = item.Content
				j++
			}

			var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
			for j < len(history) && history[j].Type == models.ItemTypeFunctionCall {
				fc := history[j]
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: fc.CallID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      fc.Name,
							Arguments: fc.Arguments,
						},
					},
				})
				j++
			}

			if len(toolCalls) > 0 {
				assistantMsg := &openai.ChatCompletionAssistantMessageParam{
					ToolCalls: toolCalls,
				}
				if content != "" {
					assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(content),
					}
				}
				messages = append(messages, openai.ChatCompletionMessageParamUnion{
					OfAssistant: assistantMsg,
				})
			} else {
				messages = append(messages, openai.AssistantMessage(content))
			}
			i = j

		case models.ItemTypeFunctionCallOutput:
			content := ""
			if item.Output != nil {
				content = item.Output.Content
				if item.Output.Success != nil && !*item.Output.Success {
					content = fmt.Sprintf("Error: %s", content)
				}
			}
			messages = append(messages, openai.ToolMessage(content, item.CallID))
			i++

		default:
			// Turn markers carry no model-visible content.
			i++
		}
	}

	return messages
}

// buildToolDefinitions converts ToolSpecs to OpenAI tool definitions
func (c *OpenAIClient) buildToolDefinitions(specs []tools.ToolSpec) []openai.ChatCompletionToolUnionParam {
	toolDefs := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))

	for _, spec := range specs {
		// Convert parameters to JSON schema
		properties := make(map[string]interface{})
		required := make([]string, 0)

		for _, p := range spec.Parameters {
			prop := map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Items != nil {
				prop["items"] = p.Items
			}
			properties[p.Name] = prop

			if p.Required {
				required = append(required, p.Name)
			}
		}

		funcDef := shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: param.NewOpt(spec.Description),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		}

		toolDefs = append(toolDefs, openai.ChatCompletionFunctionTool(funcDef))
	}

	return toolDefs
}

// classifyError categorizes an OpenAI API error.
// Uses the HTTP status code from typed SDK errors when available, falling
// back to message-based heuristics for transport-level failures.
func classifyError(err error) error {
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "context_length") || strings.Contains(errMsg, "maximum context length") {
		return models.NewContextOverflowError(err.Error())
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyByStatusCode(apiErr.StatusCode, err)
	}

	if strings.Contains(errMsg, "rate_limit") || strings.Contains(errMsg, "rate limit") {
		return models.NewAPILimitError(err.Error())
	}
	return models.NewTransientError(fmt.Sprintf("OpenAI API error: %v", err))
}
