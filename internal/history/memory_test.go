package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpeltier/turnharness/internal/models"
)

// buildHistory creates a history with the given number of user turns.
// Each turn consists of: TurnStarted, UserMessage, AssistantMessage, TurnComplete.
func buildHistory(turns int) *InMemoryHistory {
	h := NewInMemoryHistory()
	for i := 0; i < turns; i++ {
		h.AddItem(models.ConversationItem{Type: models.ItemTypeTurnStarted, TurnID: "turn"})
		h.AddItem(models.ConversationItem{Type: models.ItemTypeUserMessage, Content: "msg"})
		h.AddItem(models.ConversationItem{Type: models.ItemTypeAssistantMessage, Content: "reply"})
		h.AddItem(models.ConversationItem{Type: models.ItemTypeTurnComplete, TurnID: "turn"})
	}
	return h
}

func TestDropOldestUserTurns_KeepHalf(t *testing.T) {
	h := buildHistory(4) // 16 items total
	dropped, err := h.DropOldestUserTurns(2)
	require.NoError(t, err)
	assert.Equal(t, 8, dropped) // dropped first 2 turns (8 items)

	items, _ := h.GetRawItems()
	assert.Len(t, items, 8) // 2 turns remaining

	// Verify Seq renumbering
	for i, item := range items {
		assert.Equal(t, i, item.Seq, "item %d should have Seq=%d", i, i)
	}

	// Verify first remaining item is TurnStarted
	assert.Equal(t, models.ItemTypeTurnStarted, items[0].Type)
}

func TestDropOldestUserTurns_KeepAll(t *testing.T) {
	h := buildHistory(3)
	dropped, err := h.DropOldestUserTurns(3)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped) // nothing to drop, keeping all 3

	items, _ := h.GetRawItems()
	assert.Len(t, items, 12)
}

func TestDropOldestUserTurns_KeepMoreThanExists(t *testing.T) {
	h := buildHistory(2)
	dropped, err := h.DropOldestUserTurns(5)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped) // can't find 5th turn from end, nothing dropped

	items, _ := h.GetRawItems()
	assert.Len(t, items, 8)
}

func TestDropOldestUserTurns_KeepOne(t *testing.T) {
	h := buildHistory(3) // 12 items
	dropped, err := h.DropOldestUserTurns(1)
	require.NoError(t, err)
	assert.Equal(t, 8, dropped)

	items, _ := h.GetRawItems()
	assert.Len(t, items, 4) // 1 turn remaining
}

func TestDropOldestUserTurns_ZeroKeep(t *testing.T) {
	h := buildHistory(2)
	dropped, err := h.DropOldestUserTurns(0)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
}

func TestDropOldestUserTurns_EmptyHistory(t *testing.T) {
	h := NewInMemoryHistory()
	dropped, err := h.DropOldestUserTurns(2)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
}

func TestGetTurnCount(t *testing.T) {
	h := buildHistory(3)
	count, err := h.GetTurnCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestReplaceAll_ReassignsSeq(t *testing.T) {
	h := buildHistory(3)

	err := h.ReplaceAll([]models.ConversationItem{
		{Type: models.ItemTypeUserMessage, Content: "seed"},
		{Type: models.ItemTypeAssistantMessage, Content: "summary"},
	})
	require.NoError(t, err)

	items, _ := h.GetRawItems()
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].Seq)
	assert.Equal(t, 1, items[1].Seq)
	assert.Equal(t, "seed", items[0].Content)
}

func TestGetItemsSince_FreshCursorReturnsAll(t *testing.T) {
	h := buildHistory(1) // 4 items

	items, compacted, err := h.GetItemsSince(-1)
	require.NoError(t, err)
	assert.False(t, compacted)
	assert.Len(t, items, 4)
}

func TestGetItemsSince_DeltaOnly(t *testing.T) {
	h := buildHistory(1) // Seq 0..3

	items, compacted, err := h.GetItemsSince(1)
	require.NoError(t, err)
	assert.False(t, compacted)
	require.Len(t, items, 2)
	assert.Equal(t, 2, items[0].Seq)
	assert.Equal(t, 3, items[1].Seq)
}

func TestGetItemsSince_CaughtUpReturnsNothing(t *testing.T) {
	h := buildHistory(1)

	items, compacted, err := h.GetItemsSince(3)
	require.NoError(t, err)
	assert.False(t, compacted)
	assert.Empty(t, items)
}

func TestGetItemsSince_AfterReplaceAllReportsCompacted(t *testing.T) {
	h := buildHistory(3) // 12 items, cursor at the end

	require.NoError(t, h.ReplaceAll([]models.ConversationItem{
		{Type: models.ItemTypeUserMessage, Content: "seed"},
		{Type: models.ItemTypeAssistantMessage, Content: "summary"},
	}))

	// A cursor past the new history's end signals the replacement.
	items, compacted, err := h.GetItemsSince(11)
	require.NoError(t, err)
	assert.True(t, compacted, "stale cursor after replacement must report compaction")
	assert.Len(t, items, 2, "compacted response carries the full new history")
}

func TestDropOldestUserTurns_PreservesContent(t *testing.T) {
	h := NewInMemoryHistory()
	// Turn 1
	h.AddItem(models.ConversationItem{Type: models.ItemTypeTurnStarted, TurnID: "t1"})
	h.AddItem(models.ConversationItem{Type: models.ItemTypeUserMessage, Content: "first"})
	h.AddItem(models.ConversationItem{Type: models.ItemTypeAssistantMessage, Content: "reply1"})
	h.AddItem(models.ConversationItem{Type: models.ItemTypeTurnComplete, TurnID: "t1"})
	// Turn 2
	h.AddItem(models.ConversationItem{Type: models.ItemTypeTurnStarted, TurnID: "t2"})
	h.AddItem(models.ConversationItem{Type: models.ItemTypeUserMessage, Content: "second"})
	h.AddItem(models.ConversationItem{Type: models.ItemTypeAssistantMessage, Content: "reply2"})
	h.AddItem(models.ConversationItem{Type: models.ItemTypeTurnComplete, TurnID: "t2"})

	dropped, err := h.DropOldestUserTurns(1)
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)

	items, _ := h.GetRawItems()
	assert.Len(t, items, 4)
	assert.Equal(t, "second", items[1].Content) // user message from turn 2
	assert.Equal(t, "reply2", items[2].Content)
}
