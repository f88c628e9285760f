package tools

// approvalParameters returns the common tool parameters used by exec-family
// tools to request escalated (unsandboxed) execution. required controls
// whether with_escalated_permissions must be supplied by the model.
func approvalParameters(required bool) []ToolParameter {
	return []ToolParameter{
		{
			Name:        "with_escalated_permissions",
			Type:        "boolean",
			Description: "Set to true to run this command outside the sandbox. Only set when the command must write outside the working directory or access the network and the sandbox would otherwise block it.",
			Required:    required,
		},
		{
			Name:        "justification",
			Type:        "string",
			Description: "Short reason why escalated permissions are needed. Required when with_escalated_permissions is true.",
			Required:    false,
		},
	}
}
