// Interactive CLI for turnharness workflows.
//
// A minimal-flag entry point for the interactive TUI; tcx is the
// fully-configurable variant.
//
// Usage:
//
//	cli -m "hello"                    Start new session with initial message
//	cli                               Start new session, enter input immediately
//	cli --session <id>               Resume existing session
//	cli -m "hello" --model gpt-4o    Use a specific model
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jpeltier/turnharness/internal/cli"
)

func main() {
	message := flag.String("m", "", "Initial message (starts new workflow)")
	message2 := flag.String("message", "", "Initial message (alias for -m)")
	session := flag.String("session", "", "Resume existing session")
	workflowID := flag.String("workflow-id", "", "Resume existing session (alias for --session)")
	model := flag.String("model", "gpt-4o-mini", "LLM model to use")
	provider := flag.String("provider", "", "LLM provider (inferred from model when empty)")
	temporalHost := flag.String("temporal-host", "", "Temporal server address (overrides envconfig/env vars)")
	noMarkdown := flag.Bool("no-markdown", false, "Disable markdown rendering")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	inline := flag.Bool("inline", false, "Run without the alternate screen")
	flag.Parse()

	// Support both -m and --message
	msg := *message
	if msg == "" {
		msg = *message2
	}

	// Support both --session and --workflow-id (backward compat)
	sess := *session
	if sess == "" {
		sess = *workflowID
	}

	resolvedProvider := *provider
	if resolvedProvider == "" {
		resolvedProvider = cli.DetectProvider(*model)
	}

	config := cli.Config{
		TemporalHost: *temporalHost,
		Session:      sess,
		Message:      msg,
		Model:        *model,
		Provider:     resolvedProvider,
		NoMarkdown:   *noMarkdown,
		NoColor:      *noColor,
		Inline:       *inline,
	}

	if err := cli.Run(config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
