package workflow

import (
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/jpeltier/turnharness/internal/activities"
	"github.com/jpeltier/turnharness/internal/models"
)

// TestMultiTurn_ApprovalGate_ApprovedForSession verifies that approving a
// command for the session caches its fingerprint: the second identical call
// executes without a new approval prompt.
func (s *AgenticWorkflowTestSuite) TestMultiTurn_ApprovalGate_ApprovedForSession() {
	rmCall := func(callID string) activities.LLMActivityOutput {
		return activities.LLMActivityOutput{
			Items: []models.ConversationItem{
				{
					Type:      models.ItemTypeFunctionCall,
					CallID:    callID,
					Name:      "shell",
					Arguments: `{"command": "rm -rf /tmp/test"}`,
				},
			},
			FinishReason: models.FinishReasonToolCalls,
			TokenUsage:   models.TokenUsage{TotalTokens: 10},
		}
	}

	// First call requires approval; second identical call must not.
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(rmCall("call-rm-1"), nil).Once()
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(rmCall("call-rm-2"), nil).Once()
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(mockLLMStopResponse("Done.", 10), nil).Once()

	trueVal := true
	s.env.OnActivity("ExecuteTool", mock.Anything, mock.Anything).
		Return(activities.ToolActivityOutput{CallID: "call-rm-1", Content: "", Success: &trueVal}, nil).Once()
	s.env.OnActivity("ExecuteTool", mock.Anything, mock.Anything).
		Return(activities.ToolActivityOutput{CallID: "call-rm-2", Content: "", Success: &trueVal}, nil).Once()

	// One approval, marked approved-for-session. No second approval is ever
	// sent: if the fingerprint cache fails, the workflow hangs in
	// approval_pending and the second tool never runs.
	s.env.RegisterDelayedCallback(func() {
		s.env.UpdateWorkflow(UpdateApprovalResponse, "approval-1", noopCallback(),
			ApprovalResponse{
				Approved:           []string{"call-rm-1"},
				ApprovedForSession: []string{"call-rm-1"},
			})
	}, time.Second*2)

	s.sendShutdown(time.Second * 5)

	s.env.ExecuteWorkflow(AgenticWorkflow, testInputWithApproval("Delete /tmp/test twice", models.ApprovalUnlessTrusted))

	require.True(s.T(), s.env.IsWorkflowCompleted())
	var result WorkflowResult
	require.NoError(s.T(), s.env.GetWorkflowResult(&result))
	assert.Equal(s.T(), "shutdown", result.EndReason)
	assert.Equal(s.T(), []string{"shell", "shell"}, result.ToolCallsExecuted)
}

// TestMultiTurn_ApprovalGate_SessionApprovalDoesNotCoverOtherCommands verifies
// that a session approval for one command does not leak to a different one.
func (s *AgenticWorkflowTestSuite) TestMultiTurn_ApprovalGate_SessionApprovalDoesNotCoverOtherCommands() {
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(activities.LLMActivityOutput{
			Items: []models.ConversationItem{
				{
					Type:      models.ItemTypeFunctionCall,
					CallID:    "call-1",
					Name:      "shell",
					Arguments: `{"command": "rm -rf /tmp/a"}`,
				},
			},
			FinishReason: models.FinishReasonToolCalls,
			TokenUsage:   models.TokenUsage{TotalTokens: 10},
		}, nil).Once()
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(activities.LLMActivityOutput{
			Items: []models.ConversationItem{
				{
					Type:      models.ItemTypeFunctionCall,
					CallID:    "call-2",
					Name:      "shell",
					Arguments: `{"command": "rm -rf /tmp/b"}`,
				},
			},
			FinishReason: models.FinishReasonToolCalls,
			TokenUsage:   models.TokenUsage{TotalTokens: 10},
		}, nil).Once()
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(mockLLMStopResponse("Done.", 10), nil).Once()

	trueVal := true
	s.env.OnActivity("ExecuteTool", mock.Anything, mock.Anything).
		Return(activities.ToolActivityOutput{CallID: "call-1", Content: "", Success: &trueVal}, nil).Once()
	s.env.OnActivity("ExecuteTool", mock.Anything, mock.Anything).
		Return(activities.ToolActivityOutput{CallID: "call-2", Content: "", Success: &trueVal}, nil).Once()

	// First command approved for the session; the second, different command
	// still prompts and gets its own approval.
	s.env.RegisterDelayedCallback(func() {
		s.env.UpdateWorkflow(UpdateApprovalResponse, "approval-1", noopCallback(),
			ApprovalResponse{
				Approved:           []string{"call-1"},
				ApprovedForSession: []string{"call-1"},
			})
	}, time.Second*2)
	s.env.RegisterDelayedCallback(func() {
		s.env.UpdateWorkflow(UpdateApprovalResponse, "approval-2", noopCallback(),
			ApprovalResponse{Approved: []string{"call-2"}})
	}, time.Second*4)

	s.sendShutdown(time.Second * 6)

	s.env.ExecuteWorkflow(AgenticWorkflow, testInputWithApproval("Delete two dirs", models.ApprovalUnlessTrusted))

	require.True(s.T(), s.env.IsWorkflowCompleted())
	var result WorkflowResult
	require.NoError(s.T(), s.env.GetWorkflowResult(&result))
	assert.Equal(s.T(), []string{"shell", "shell"}, result.ToolCallsExecuted)
}

// TestGetStateUpdate_ReturnsItemsAndStatus verifies the long-poll Update
// returns the full history for a fresh cursor plus a status snapshot.
func (s *AgenticWorkflowTestSuite) TestGetStateUpdate_ReturnsItemsAndStatus() {
	s.env.OnActivity("ExecuteLLMCall", mock.Anything, mock.Anything).
		Return(mockLLMStopResponse("Hello there.", 20), nil).Once()

	var got StateUpdateResponse
	s.env.RegisterDelayedCallback(func() {
		s.env.UpdateWorkflow(UpdateGetStateUpdate, "poll-1", &testsuite.TestUpdateCallback{
			OnAccept: func() {},
			OnReject: func(err error) {
				s.Fail("get_state_update should not be rejected", err.Error())
			},
			OnComplete: func(result interface{}, err error) {
				require.NoError(s.T(), err)
				resp, ok := result.(StateUpdateResponse)
				require.True(s.T(), ok, "result should be StateUpdateResponse")
				got = resp
			},
		}, StateUpdateRequest{SinceSeq: -1, SincePhase: PhaseLLMCalling})
	}, time.Second*2)

	s.sendShutdown(time.Second * 4)

	s.env.ExecuteWorkflow(AgenticWorkflow, testInput("Hi"))

	require.True(s.T(), s.env.IsWorkflowCompleted())
	assert.NotEmpty(s.T(), got.Items, "fresh cursor should receive the full history")
	assert.False(s.T(), got.Compacted)

	var sawAssistant bool
	for _, item := range got.Items {
		if item.Type == models.ItemTypeAssistantMessage && item.Content == "Hello there." {
			sawAssistant = true
		}
	}
	assert.True(s.T(), sawAssistant, "assistant reply should be in the delta")
	assert.Equal(s.T(), 20, got.Status.TotalTokens)
}
