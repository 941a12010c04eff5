package ai

import (
	"strings"

	"github.com/csec/ragchat/backend/internal/model/chat"
)

// SystemPrompt is the fixed instruction every generation starts from.
const SystemPrompt = "You are a helpful assistant for this site. " +
	"Answer using the provided context when it is relevant. " +
	"If the context does not cover the question, say so briefly and answer from general knowledge. " +
	"Keep answers concise."

// BuildSystemInstruction assembles the grounding instruction from retrieved
// snippets and the bounded recent history. Sections are appended only when
// non-empty so a miss on retrieval or a fresh session never injects an
// empty labeled block.
func BuildSystemInstruction(snippets []string, history []chat.Message) string {
	instruction := SystemPrompt

	if contextBlock := strings.Join(snippets, "\n\n"); contextBlock != "" {
		instruction = instruction + "\n\nContext:\n" + contextBlock
	}

	if historyBlock := renderHistory(history); historyBlock != "" {
		instruction = instruction + "\n\nConversation history:\n" + historyBlock
	}

	return instruction
}

// renderHistory renders prior turns oldest first, one "role: content" line
// per turn.
func renderHistory(history []chat.Message) string {
	if len(history) == 0 {
		return ""
	}

	lines := make([]string, 0, len(history))
	for _, msg := range history {
		lines = append(lines, msg.Role+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}
