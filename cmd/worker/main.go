// Worker executable for turnharness
//
// This starts a Temporal worker that executes workflows and activities.
package main

import (
	"log"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/jpeltier/turnharness/internal/activities"
	"github.com/jpeltier/turnharness/internal/llm"
	"github.com/jpeltier/turnharness/internal/mcp"
	"github.com/jpeltier/turnharness/internal/tools"
	"github.com/jpeltier/turnharness/internal/tools/handlers"
	"github.com/jpeltier/turnharness/internal/workflow"
)

const (
	TaskQueue = "codex-temporal"
)

func main() {
	// At least one provider key is required
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
		log.Fatal("OPENAI_API_KEY or ANTHROPIC_API_KEY environment variable is required")
	}

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort: client.DefaultHostPort, // localhost:7233
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	// Create worker
	w := worker.New(c, TaskQueue, worker.Options{})

	// Register workflows
	w.RegisterWorkflow(workflow.AgenticWorkflow)
	w.RegisterWorkflow(workflow.AgenticWorkflowContinued)
	w.RegisterWorkflow(workflow.ReviewWorkflow)
	w.RegisterWorkflow(workflow.HarnessWorkflow)
	w.RegisterWorkflow(workflow.HarnessWorkflowContinued)

	// MCP server connections are keyed by session and shared between the
	// McpActivities (lifecycle) and the MCP tool handler (dispatch).
	mcpStore := mcp.NewMcpStore()

	// Create tool registry with handlers
	toolRegistry := tools.NewToolRegistry()
	toolRegistry.Register(handlers.NewShellTool())
	toolRegistry.Register(handlers.NewReadFileTool())
	toolRegistry.Register(handlers.NewWriteFileTool())
	toolRegistry.Register(handlers.NewListDirTool())
	toolRegistry.Register(handlers.NewGrepFilesTool())
	toolRegistry.Register(handlers.NewApplyPatchTool())
	toolRegistry.Register(handlers.NewMCPHandler(mcpStore))

	log.Printf("Registered %d tools", toolRegistry.ToolCount())

	// Create LLM client. The multi-provider client dispatches per call on
	// ModelConfig.Provider, so update_model can switch providers mid-session.
	llmClient := llm.NewMultiProviderClient()

	// Register activities
	llmActivities := activities.NewLLMActivities(llmClient)
	w.RegisterActivity(llmActivities.ExecuteLLMCall)
	w.RegisterActivity(llmActivities.ExecuteCompact)
	w.RegisterActivity(llmActivities.GenerateSuggestions)

	toolActivities := activities.NewToolActivities(toolRegistry)
	w.RegisterActivity(toolActivities.ExecuteTool)

	instructionActivities := activities.NewInstructionActivities()
	w.RegisterActivity(instructionActivities.LoadWorkerInstructions)
	w.RegisterActivity(instructionActivities.LoadExecPolicy)
	w.RegisterActivity(instructionActivities.LoadPersonalInstructions)

	mcpActivities := activities.NewMcpActivities(mcpStore)
	w.RegisterActivity(mcpActivities.InitializeMcpServers)
	w.RegisterActivity(mcpActivities.CleanupMcpServers)

	// Start worker
	log.Printf("Starting worker on task queue: %s", TaskQueue)
	log.Printf("Temporal server: %s", client.DefaultHostPort)

	err = w.Run(worker.InterruptCh())
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	log.Println("Worker stopped")
}
