// Package history provides conversation history management interfaces and implementations.
package history

import "github.com/jpeltier/turnharness/internal/models"

// ContextManager is the interface for managing conversation history.
//
// This interface supports multiple implementations:
// - InMemoryHistory: Simple in-memory storage (default)
// - ExternalHistory: External persistence (future)
type ContextManager interface {
	// Core operations

	// AddItem adds a new conversation item to history
	AddItem(item models.ConversationItem) error

	// GetForPrompt returns conversation items formatted for LLM prompt
	GetForPrompt() ([]models.ConversationItem, error)

	// EstimateTokenCount estimates the total token count of the history
	EstimateTokenCount() (int, error)

	// Admin operations

	// DropLastNUserTurns removes the last N user turns from history (for undo)
	DropLastNUserTurns(n int) error

	// DropOldestUserTurns keeps only the last keepN user turns, dropping
	// everything older. Returns the number of items dropped.
	DropOldestUserTurns(keepN int) (int, error)

	// ReplaceAll atomically replaces the entire history with the given items.
	// Used by compaction to swap in the condensed form.
	ReplaceAll(items []models.ConversationItem) error

	// GetRawItems returns raw conversation items for analysis
	GetRawItems() ([]models.ConversationItem, error)

	// GetItemsSince returns items with Seq greater than sinceSeq. The second
	// return value is true when the history has been replaced or truncated
	// since the cursor was taken, meaning the caller must re-render from the
	// returned items instead of appending.
	GetItemsSince(sinceSeq int) ([]models.ConversationItem, bool, error)

	// Query operations

	// GetTurnCount returns the number of user turns
	GetTurnCount() (int, error)
}
