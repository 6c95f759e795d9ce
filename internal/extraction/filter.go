// Package extraction turns eligible conversations into Stage1 memory records.
package extraction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/thebtf/memforge/internal/privacy"
	"github.com/thebtf/memforge/pkg/models"
)

// TurnMask selects which content classes of a turn enter the transcript.
type TurnMask uint8

const (
	MaskPrompt TurnMask = 1 << iota
	MaskStdout
	MaskStderr
	MaskFinalOutput

	MaskAll = MaskPrompt | MaskStdout | MaskStderr | MaskFinalOutput
)

// TurnSeparator precedes every turn in a transcript.
const TurnSeparator = "----------------------------------------"

var maskNames = map[string]TurnMask{
	"prompt":       MaskPrompt,
	"stdout":       MaskStdout,
	"stderr":       MaskStderr,
	"final_output": MaskFinalOutput,
}

// ParseTurnMask builds a mask from class names. An empty list selects everything.
func ParseTurnMask(names []string) (TurnMask, error) {
	if len(names) == 0 {
		return MaskAll, nil
	}
	var mask TurnMask
	for _, name := range names {
		bit, ok := maskNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown turn content class %q", name)
		}
		mask |= bit
	}
	return mask, nil
}

// Has reports whether every bit of other is set.
func (m TurnMask) Has(other TurnMask) bool {
	return m&other == other
}

// BuildTranscript concatenates the selected content of each turn. Turns are
// numbered by their position in the conversation; turns contributing no text
// are skipped. Private blocks and recalled memory context never enter the
// transcript, and a turn whose prompt is wholly private is dropped with its
// output.
func BuildTranscript(turns []models.Turn, mask TurnMask) string {
	var b strings.Builder
	for i, t := range turns {
		if privacy.Withheld(t.Prompt) {
			continue
		}
		sections := make([]string, 0, 4)
		appendSection := func(bit TurnMask, label, text string) {
			text = privacy.Strip(text)
			if mask.Has(bit) && text != "" {
				sections = append(sections, "### "+label+"\n"+text)
			}
		}
		appendSection(MaskPrompt, "User", t.Prompt)
		appendSection(MaskStdout, "Stdout", t.Stdout)
		appendSection(MaskStderr, "Stderr", t.Stderr)
		appendSection(MaskFinalOutput, "Assistant", t.FinalOutput)
		if len(sections) == 0 {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(TurnSeparator)
		b.WriteString("\n## Turn ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("\n\n")
		b.WriteString(strings.Join(sections, "\n\n"))
	}
	return b.String()
}
