package generator

import "strings"

const spontaneousInstruction = "You are a participant in an ongoing chat conversation. " +
	"Produce exactly one conversational message in the style and tone already " +
	"present below. Do not address any specific user and do not repeat the " +
	"conversation back. Reply with only the message text."

const responseInstruction = "You are a participant in an ongoing chat conversation. " +
	"A user has addressed you directly. Reply to them in the style and tone " +
	"already present below. Reply with only the message text."

// renderContext formats recent messages as "[display_name]: content"
// lines, newest last, capped at the last contextLimit entries
// (spec.md §4.C).
func renderContext(recent []ContextMessage, contextLimit int) string {
	if contextLimit > 0 && len(recent) > contextLimit {
		recent = recent[len(recent)-contextLimit:]
	}
	var b strings.Builder
	for i, m := range recent {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte('[')
		b.WriteString(m.DisplayName)
		b.WriteString("]: ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// buildSpontaneousPrompt renders the spontaneous template: instruction
// plus the recent-context block, no target user.
func buildSpontaneousPrompt(recent []ContextMessage, contextLimit int) string {
	var b strings.Builder
	b.WriteString(spontaneousInstruction)
	b.WriteString("\n\n")
	b.WriteString(renderContext(recent, contextLimit))
	return b.String()
}

// buildResponsePrompt renders the response template: instruction, the
// same recent-context block, then the addressing user's name and text.
func buildResponsePrompt(recent []ContextMessage, contextLimit int, userName, userText string) string {
	var b strings.Builder
	b.WriteString(responseInstruction)
	b.WriteString("\n\n")
	b.WriteString(renderContext(recent, contextLimit))
	b.WriteString("\n[")
	b.WriteString(userName)
	b.WriteString("]: ")
	b.WriteString(userText)
	return b.String()
}
