package extraction

import (
	"fmt"
	"strings"
)

// Prompt is a system and user message pair sent to the model.
type Prompt struct {
	System string
	User   string
}

const extractionSystemPrompt = `You are a memory extraction agent. You read the transcript of a finished
coding session that someone else ran and write down what is worth remembering
for future sessions on the same codebase.

Keep:
- decisions and the reasons given for them
- bugs found, their root cause and the fix
- how parts of the codebase work, file locations, commands that worked
- gotchas, failed approaches and constraints discovered

Skip small talk, tool noise, and anything that only mattered in the moment.
Never copy credentials, tokens, or keys into your answer.

Respond with a single JSON object and nothing else:
{
  "raw_memory": "<markdown notes, starting with a level-1 heading naming the task>",
  "rollout_summary": "<one or two plain-text sentences summarizing the session>"
}`

// BuildExtractionPrompt builds the prompt asking the model to summarize a transcript.
func BuildExtractionPrompt(sessionID, transcript string) Prompt {
	var sb strings.Builder
	sb.WriteString("<session_transcript>\n")
	sb.WriteString(fmt.Sprintf("  <session_id>%s</session_id>\n", sessionID))
	sb.WriteString("  <content>\n")
	sb.WriteString(transcript)
	sb.WriteString("\n  </content>\n")
	sb.WriteString("</session_transcript>\n\n")
	sb.WriteString("IMPORTANT! You are summarizing a DIFFERENT session, not this one. ")
	sb.WriteString("Never reference yourself or your own actions. Output only the JSON object.")

	return Prompt{System: extractionSystemPrompt, User: sb.String()}
}
