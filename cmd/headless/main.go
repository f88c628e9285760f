// Headless runner for turnharness workflows.
//
// Starts an agentic (or review) session, streams its event stream to stdout
// as one JSON object per line, and exits when the turn completes. Intended
// for scripting and CI, where the interactive TUI is useless.
//
//	headless --message "fix the failing test"
//	headless --review --message "review the last commit"
//	headless --workflow-id codex-abc123 --message "and now add a changelog entry"
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/jpeltier/turnharness/internal/cli"
	"github.com/jpeltier/turnharness/internal/headless"
	"github.com/jpeltier/turnharness/internal/models"
	"github.com/jpeltier/turnharness/internal/temporalclient"
	"github.com/jpeltier/turnharness/internal/workflow"
)

const taskQueue = "codex-temporal"

func main() {
	message := flag.String("message", "", "User message to send (required)")
	model := flag.String("model", "gpt-4o-mini", "LLM model to use")
	provider := flag.String("provider", "", "LLM provider (inferred from model when empty)")
	workflowID := flag.String("workflow-id", "", "Existing workflow to continue instead of starting a new one")
	review := flag.Bool("review", false, "Run a review session instead of a regular one")
	webSearch := flag.Bool("web-search", false, "Offer the provider's native web-search tool to the model")
	outputSchema := flag.String("output-schema", "", "JSON schema constraining the final assistant message")
	hostPort := flag.String("temporal-host", "", "Temporal host:port override")
	namespace := flag.String("temporal-namespace", "", "Temporal namespace override")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up after this long")
	flag.Parse()

	if *message == "" {
		log.Fatal("--message is required")
	}

	opts, err := temporalclient.LoadClientOptions(*hostPort, *namespace)
	if err != nil {
		log.Fatalf("Failed to load Temporal client options: %v", err)
	}
	c, err := client.Dial(opts)
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	id := *workflowID
	if id == "" {
		id, err = startWorkflow(ctx, c, runOptions{
			message:      *message,
			model:        *model,
			provider:     *provider,
			review:       *review,
			webSearch:    *webSearch,
			outputSchema: *outputSchema,
		})
		if err != nil {
			log.Fatalf("Failed to start workflow: %v", err)
		}
	} else {
		if err := sendUserInput(ctx, c, id, *message); err != nil {
			log.Fatalf("Failed to send user input: %v", err)
		}
	}

	if err := streamUntilTurnComplete(ctx, c, id); err != nil {
		log.Fatalf("Stream failed: %v", err)
	}
}

// runOptions collects the per-invocation settings for a new session.
type runOptions struct {
	message      string
	model        string
	provider     string
	review       bool
	webSearch    bool
	outputSchema string
}

func startWorkflow(ctx context.Context, c client.Client, opts runOptions) (string, error) {
	provider := opts.provider
	if provider == "" {
		provider = cli.DetectProvider(opts.model)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	config := models.DefaultSessionConfiguration()
	config.Model.Provider = provider
	config.Model.Model = opts.model
	config.Cwd = cwd
	config.SessionSource = "headless"
	config.ApprovalMode = models.ApprovalNever
	config.DisableSuggestions = true
	config.Tools.EnableWebSearch = opts.webSearch
	config.FinalOutputJSONSchema = opts.outputSchema

	id := fmt.Sprintf("codex-%s", uuid.New().String()[:8])

	if opts.review {
		input := workflow.ReviewInput{
			ConversationID: id,
			Instructions:   opts.message,
			Config:         config,
		}
		_, err = c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        id,
			TaskQueue: taskQueue,
		}, "ReviewWorkflow", input)
		return id, err
	}

	input := workflow.WorkflowInput{
		ConversationID: id,
		UserMessage:    opts.message,
		Config:         config,
	}
	_, err = c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: taskQueue,
	}, "AgenticWorkflow", input)
	return id, err
}

func sendUserInput(ctx context.Context, c client.Client, workflowID, message string) error {
	handle, err := c.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   workflowID,
		UpdateName:   workflow.UpdateUserInput,
		Args:         []interface{}{workflow.UserInput{Content: message}},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return err
	}
	var accepted workflow.UserInputAccepted
	return handle.Get(ctx, &accepted)
}

// streamUntilTurnComplete long-polls the workflow, writes JSON lines to
// stdout, and returns once the turn the runner triggered has completed.
func streamUntilTurnComplete(ctx context.Context, c client.Client, workflowID string) error {
	watcher := cli.NewWatcher(c, workflowID)
	projector := headless.NewProjector(os.Stdout)

	sinceSeq := -1
	sincePhase := workflow.TurnPhase("")

	for {
		result := watcher.Watch(ctx, sinceSeq, sincePhase)
		if result.Err != nil {
			return result.Err
		}

		if err := projector.ProjectItems(result.Items,
			result.Status.TotalTokens, result.Status.TotalCachedTokens); err != nil {
			return err
		}

		if len(result.Items) > 0 {
			sinceSeq = result.Items[len(result.Items)-1].Seq
		}
		sincePhase = result.Status.Phase

		if result.Completed {
			return nil
		}
		if turnCompleted(result.Items) {
			// One-shot semantics: end the session once our turn is done.
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			handle, err := c.UpdateWorkflow(shutdownCtx, client.UpdateWorkflowOptions{
				WorkflowID:   workflowID,
				UpdateName:   workflow.UpdateShutdown,
				Args:         []interface{}{workflow.ShutdownRequest{Reason: "headless run complete"}},
				WaitForStage: client.WorkflowUpdateStageCompleted,
			})
			if err == nil {
				var resp workflow.ShutdownResponse
				_ = handle.Get(shutdownCtx, &resp)
			}
			cancel()
			return nil
		}
	}
}

func turnCompleted(items []models.ConversationItem) bool {
	for _, item := range items {
		if item.Type == models.ItemTypeTurnComplete {
			return true
		}
	}
	return false
}
