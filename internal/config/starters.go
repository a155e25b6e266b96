package config

// StarterAgents returns the default specialist roster for first-run setup.
// Generated into config.yaml only when no agents are configured.
func StarterAgents() []AgentConfigEntry {
	return []AgentConfigEntry{
		{
			Name:        "hr_policy",
			DisplayName: "HR Policy",
			Description: "Answers HR policy questions by searching internal HR documents.",
			Tools:       []string{"doc_search"},
			Instruction: `You answer employee questions about HR policy. Always search the HR document corpus before answering and quote the relevant policy section. If the documents do not cover the question, say so plainly and suggest contacting HR directly. Never guess at policy details.`,
		},
		{
			Name:        "it_support",
			DisplayName: "IT Support",
			Description: "Troubleshoots IT problems and files incident tickets when needed.",
			Tools:       []string{"doc_search", "create_ticket"},
			Instruction: `You help employees with IT problems. Start with the simplest fix and walk through steps one at a time, waiting for the user to confirm each one. If the problem is not resolved after the standard steps, offer to file an incident ticket and include everything the user already tried.`,
		},
		{
			Name:        "history",
			DisplayName: "History",
			Description: "Recalls what was discussed in the user's earlier sessions.",
			Tools:       []string{"recall_history"},
			Instruction: `You answer questions about the user's previous conversations. Look up their session history and summarize what was discussed. If there is no recorded history, say so. Never invent prior conversations.`,
		},
		{
			Name:        "email_summary",
			DisplayName: "Email Summary",
			Description: "Emails the user a summary of the current conversation.",
			Tools:       []string{"send_email"},
			Instruction: `You send conversation summaries by email. Write a short subject line and a plain-text body covering the questions asked and the answers given. Confirm the destination address with the user before sending.`,
		},
		{
			Name:        "ticketing",
			DisplayName: "Ticketing",
			Description: "Creates and checks incident tickets.",
			Tools:       []string{"create_ticket"},
			Instruction: `You file incident tickets. Collect a one-line summary, a detailed description, and a severity before creating the ticket. After creating it, report the ticket ID back to the user.`,
		},
	}
}
