package headless

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpeltier/turnharness/internal/models"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line must be valid JSON: %s", line)
		events = append(events, ev)
	}
	return events
}

func TestProjector_FullTurn(t *testing.T) {
	falseVal := false
	items := []models.ConversationItem{
		{Type: models.ItemTypeTurnStarted, TurnID: "turn-1"},
		{Type: models.ItemTypeUserMessage, TurnID: "turn-1", Content: "run the tests"},
		{Type: models.ItemTypeFunctionCall, TurnID: "turn-1", CallID: "c1", Name: "shell", Arguments: `{"command":"go test"}`},
		{Type: models.ItemTypeFunctionCallOutput, TurnID: "turn-1", CallID: "c1",
			Output: &models.FunctionCallOutputPayload{Content: "FAIL", Success: &falseVal}},
		{Type: models.ItemTypeAssistantMessage, TurnID: "turn-1", Content: "one test fails"},
		{Type: models.ItemTypeTurnComplete, TurnID: "turn-1"},
	}

	var buf bytes.Buffer
	p := NewProjector(&buf)
	require.NoError(t, p.ProjectItems(items, 120, 30))

	events := decodeLines(t, &buf)
	require.Len(t, events, 6)

	assert.Equal(t, "turn_started", events[0].Type)
	assert.Equal(t, "turn-1", events[0].TurnID)

	assert.Equal(t, "item_completed", events[1].Type)
	assert.Equal(t, "user_message", events[1].Item.Kind)

	assert.Equal(t, "item_started", events[2].Type)
	assert.Equal(t, "tool_call", events[2].Item.Kind)
	assert.Equal(t, "c1", events[2].Item.CallID)
	assert.Equal(t, "shell", events[2].Item.Tool)

	assert.Equal(t, "item_completed", events[3].Type)
	assert.Equal(t, "tool_result", events[3].Item.Kind)
	assert.Equal(t, "c1", events[3].Item.CallID)
	assert.Equal(t, "FAIL", events[3].Item.Content)
	require.NotNil(t, events[3].Item.Success)
	assert.False(t, *events[3].Item.Success)

	assert.Equal(t, "item_completed", events[4].Type)
	assert.Equal(t, "assistant_message", events[4].Item.Kind)
	assert.Equal(t, "one test fails", events[4].Item.Content)

	assert.Equal(t, "turn_completed", events[5].Type)
	require.NotNil(t, events[5].Usage)
	assert.Equal(t, 120, events[5].Usage.TotalTokens)
	assert.Equal(t, 30, events[5].Usage.CachedTokens)
}

func TestProjector_NilOutputPayload(t *testing.T) {
	items := []models.ConversationItem{
		{Type: models.ItemTypeFunctionCallOutput, CallID: "c1"},
	}

	var buf bytes.Buffer
	require.NoError(t, NewProjector(&buf).ProjectItems(items, 0, 0))

	events := decodeLines(t, &buf)
	require.Len(t, events, 1)
	assert.Equal(t, "tool_result", events[0].Item.Kind)
	assert.Empty(t, events[0].Item.Content)
	assert.Nil(t, events[0].Item.Success)
}

func TestProjector_SkipsUnknownItems(t *testing.T) {
	items := []models.ConversationItem{
		{Type: models.ConversationItemType("future_item_kind"), Content: "???"},
		{Type: models.ItemTypeAssistantMessage, Content: "hello"},
	}

	var buf bytes.Buffer
	require.NoError(t, NewProjector(&buf).ProjectItems(items, 0, 0))

	events := decodeLines(t, &buf)
	require.Len(t, events, 1, "unknown item kinds are dropped, not errors")
	assert.Equal(t, "assistant_message", events[0].Item.Kind)
}
