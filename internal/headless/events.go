// Package headless projects the conversation event stream into the
// line-oriented JSON format emitted by the headless runner: one object per
// line, framing each turn with turn_started/turn_completed and reporting
// history items as item_started/item_completed events.
package headless

import (
	"encoding/json"
	"io"

	"github.com/jpeltier/turnharness/internal/models"
)

// Event is a single line of headless output.
type Event struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`

	// Item is set for item_started / item_completed events.
	Item *Item `json:"item,omitempty"`

	// Usage is set on turn_completed.
	Usage *Usage `json:"usage,omitempty"`
}

// Item is the headless view of a conversation item.
type Item struct {
	Kind      string `json:"kind"` // "user_message", "assistant_message", "tool_call", "tool_result", "model_switch"
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// Usage reports cumulative token consumption at the end of a turn.
type Usage struct {
	TotalTokens  int `json:"total_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Projector converts history items into headless events and writes them as
// JSON lines. It is cursor-free: callers feed it the item deltas they receive.
type Projector struct {
	enc *json.Encoder
}

// NewProjector creates a Projector writing to w.
func NewProjector(w io.Writer) *Projector {
	return &Projector{enc: json.NewEncoder(w)}
}

// ProjectItems emits events for a batch of new history items. totalTokens and
// cachedTokens are the session's cumulative counters, reported on
// turn_completed framing events.
func (p *Projector) ProjectItems(items []models.ConversationItem, totalTokens, cachedTokens int) error {
	for _, item := range items {
		for _, ev := range eventsForItem(item, totalTokens, cachedTokens) {
			if err := p.enc.Encode(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// eventsForItem maps one history item to zero or more headless events.
func eventsForItem(item models.ConversationItem, totalTokens, cachedTokens int) []Event {
	switch item.Type {
	case models.ItemTypeTurnStarted:
		return []Event{{Type: "turn_started", TurnID: item.TurnID}}

	case models.ItemTypeTurnComplete:
		return []Event{{
			Type:   "turn_completed",
			TurnID: item.TurnID,
			Usage:  &Usage{TotalTokens: totalTokens, CachedTokens: cachedTokens},
		}}

	case models.ItemTypeUserMessage:
		return []Event{{Type: "item_completed", TurnID: item.TurnID, Item: &Item{
			Kind:    "user_message",
			Content: item.Content,
		}}}

	case models.ItemTypeAssistantMessage:
		return []Event{{Type: "item_completed", TurnID: item.TurnID, Item: &Item{
			Kind:    "assistant_message",
			Content: item.Content,
		}}}

	case models.ItemTypeModelSwitch:
		return []Event{{Type: "item_completed", TurnID: item.TurnID, Item: &Item{
			Kind:    "model_switch",
			Content: item.Content,
		}}}

	case models.ItemTypeFunctionCall:
		// A tool call item means the call has been issued but its result is a
		// separate item: report it as started.
		return []Event{{Type: "item_started", TurnID: item.TurnID, Item: &Item{
			Kind:      "tool_call",
			CallID:    item.CallID,
			Tool:      item.Name,
			Arguments: item.Arguments,
		}}}

	case models.ItemTypeFunctionCallOutput:
		ev := Event{Type: "item_completed", TurnID: item.TurnID, Item: &Item{
			Kind:   "tool_result",
			CallID: item.CallID,
		}}
		if item.Output != nil {
			ev.Item.Content = item.Output.Content
			ev.Item.Success = item.Output.Success
		}
		return []Event{ev}

	default:
		return nil
	}
}
