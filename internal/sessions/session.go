// Package sessions normalizes the different session sources into the
// metadata records clustering and retrieval work on.
package sessions

import (
	"strings"
	"time"

	"github.com/thebtf/memforge/pkg/models"
)

// Session is one of CoreMemory, Workflow, CLIHistory or Native.
type Session interface {
	SessionID() string
	Type() models.SessionType
	isSession()
}

// CoreMemory is a session backed by a durable memory entry.
type CoreMemory struct {
	Memory *models.Memory
}

// Workflow is a session backed by a recorded workflow.
type Workflow struct {
	Workflow *models.Workflow
}

// CLIHistory is a captured conversation, optionally with its extraction output.
type CLIHistory struct {
	Conversation *models.Conversation
	Stage1       *models.Stage1Output
}

// Native is a session produced directly by the assistant host.
type Native struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	ID        string
	Title     string
	Content   string
}

func (CoreMemory) isSession() {}
func (Workflow) isSession()   {}
func (CLIHistory) isSession() {}
func (Native) isSession()     {}

func (s CoreMemory) SessionID() string { return s.Memory.ID }
func (s Workflow) SessionID() string   { return s.Workflow.ID }
func (s CLIHistory) SessionID() string { return s.Conversation.ID }
func (s Native) SessionID() string     { return s.ID }

func (CoreMemory) Type() models.SessionType { return models.SessionTypeCoreMemory }
func (Workflow) Type() models.SessionType   { return models.SessionTypeWorkflow }
func (CLIHistory) Type() models.SessionType { return models.SessionTypeCLIHistory }
func (Native) Type() models.SessionType     { return models.SessionTypeNative }

const (
	maxTitleRunes   = 120
	maxSummaryRunes = 500
)

// ToMetadata converts a session into its normalized metadata.
// Access statistics are left zero; the cache owns them.
func ToMetadata(s Session) models.SessionMetadata {
	var (
		title, summary, body string
		created, updated     time.Time
	)

	switch v := s.(type) {
	case CoreMemory:
		body = v.Memory.Content
		title = firstLine(body)
		summary = body
		created, updated = v.Memory.CreatedAt, v.Memory.CreatedAt
	case Workflow:
		title = v.Workflow.Name
		summary = v.Workflow.Description
		body = v.Workflow.Description + "\n" + strings.Join(v.Workflow.Steps, "\n")
		created, updated = v.Workflow.CreatedAt, v.Workflow.UpdatedAt
	case CLIHistory:
		conv := v.Conversation
		title = conv.Title
		var b strings.Builder
		for _, t := range conv.Turns {
			b.WriteString(t.Prompt)
			b.WriteString("\n")
			b.WriteString(t.FinalOutput)
			b.WriteString("\n")
		}
		if v.Stage1 != nil {
			summary = v.Stage1.RolloutSummary
			b.WriteString(v.Stage1.RawMemory)
		} else if len(conv.Turns) > 0 {
			summary = conv.Turns[0].Prompt
		}
		if title == "" && len(conv.Turns) > 0 {
			title = firstLine(conv.Turns[0].Prompt)
		}
		body = b.String()
		created, updated = conv.CreatedAt, conv.UpdatedAt
		// A fresher extraction invalidates cached metadata too.
		if v.Stage1 != nil && v.Stage1.GeneratedAt.After(updated) {
			updated = v.Stage1.GeneratedAt
		}
	case Native:
		title = v.Title
		if title == "" {
			title = firstLine(v.Content)
		}
		summary = v.Content
		body = v.Content
		created, updated = v.CreatedAt, v.UpdatedAt
	}

	if updated.Before(created) {
		updated = created
	}
	text := title + "\n" + summary + "\n" + body
	return models.SessionMetadata{
		SessionID:       s.SessionID(),
		SessionType:     s.Type(),
		Title:           truncateRunes(strings.TrimSpace(title), maxTitleRunes),
		Summary:         truncateRunes(strings.TrimSpace(summary), maxSummaryRunes),
		Keywords:        ExtractKeywords(text),
		FilePatterns:    ExtractFilePatterns(text),
		TokenEstimate:   EstimateTokens(body),
		CreatedAt:       created,
		SourceUpdatedAt: unixSeconds(updated),
	}
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.TrimLeft(s, "# "))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
