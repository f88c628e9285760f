// Package workflow contains Temporal workflow definitions.
//
// review.go implements the review session variant: the agentic loop with a
// review system prompt, read-only tools, and a closing message on exit.
package workflow

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/jpeltier/turnharness/internal/history"
	"github.com/jpeltier/turnharness/internal/instructions"
	"github.com/jpeltier/turnharness/internal/models"
)

// ReviewInput starts a review session.
type ReviewInput struct {
	ConversationID string `json:"conversation_id"`
	// Instructions is the review request: what to review and what to focus on.
	Instructions string                      `json:"instructions"`
	Config       models.SessionConfiguration `json:"config"`
}

// ReviewWorkflow runs a review session: the standard agentic loop with the
// review system prompt and write tools removed. Further user input, interrupt,
// shutdown, and approval Updates behave as in AgenticWorkflow; on interrupt or
// shutdown the session appends a "review exited" message so the transcript
// records how the review ended.
func ReviewWorkflow(ctx workflow.Context, input ReviewInput) (WorkflowResult, error) {
	config := input.Config
	config.BaseInstructions = instructions.ReviewBaseInstructions
	config.Tools.RemoveTools("write_file", "apply_patch", "collab", "update_plan")
	config.DisableSuggestions = true

	state := SessionState{
		ConversationID: input.ConversationID,
		History:        history.NewInMemoryHistory(),
		Config:         config,
		MaxIterations:  20,
		ReviewMode:     true,
	}

	state.resolveProfile()
	state.ToolSpecs = buildToolSpecs(config.Tools, state.ResolvedProfile)

	if config.ExecPolicyRules != "" {
		state.ExecPolicyRules = config.ExecPolicyRules
	} else {
		state.loadExecPolicy(ctx)
	}

	if err := state.initMcpServers(ctx); err != nil {
		return WorkflowResult{}, err
	}

	turnID := generateTurnID(ctx)
	state.CurrentTurnID = turnID

	if err := state.History.AddItem(models.ConversationItem{
		Type:   models.ItemTypeTurnStarted,
		TurnID: turnID,
	}); err != nil {
		return WorkflowResult{}, fmt.Errorf("failed to add turn started: %w", err)
	}

	if config.Cwd != "" {
		envCtx := instructions.BuildEnvironmentContext(config.Cwd, "")
		if err := state.History.AddItem(models.ConversationItem{
			Type:    models.ItemTypeUserMessage,
			Content: envCtx,
			TurnID:  turnID,
		}); err != nil {
			return WorkflowResult{}, fmt.Errorf("failed to add environment context: %w", err)
		}
	}

	if err := state.History.AddItem(models.ConversationItem{
		Type:    models.ItemTypeUserMessage,
		Content: input.Instructions,
		TurnID:  turnID,
	}); err != nil {
		return WorkflowResult{}, fmt.Errorf("failed to add review instructions: %w", err)
	}

	state.PendingUserInput = true

	state.registerHandlers(ctx)
	return state.runMultiTurnLoop(ctx)
}
