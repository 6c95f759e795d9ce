package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/pkg/models"
)

// Loader keeps the session metadata cache in step with its sources.
type Loader struct {
	metadata      *gormdb.MetadataStore
	conversations *gormdb.ConversationStore
	stage1        *gormdb.Stage1Store
	memories      *gormdb.MemoryStore
	workflows     *gormdb.WorkflowStore
}

// NewLoader creates a loader over the given store.
func NewLoader(store *gormdb.Store) *Loader {
	return &Loader{
		metadata:      gormdb.NewMetadataStore(store),
		conversations: gormdb.NewConversationStore(store),
		stage1:        gormdb.NewStage1Store(store),
		memories:      gormdb.NewMemoryStore(store),
		workflows:     gormdb.NewWorkflowStore(store),
	}
}

// Refresh recomputes the metadata of s and writes it when the cached copy
// is missing or older than the source. It returns the current metadata.
func (l *Loader) Refresh(ctx context.Context, s Session) (models.SessionMetadata, error) {
	fresh := ToMetadata(s)
	cached, err := l.metadata.Get(ctx, fresh.SessionID)
	if err != nil {
		return fresh, fmt.Errorf("get cached metadata %s: %w", fresh.SessionID, err)
	}
	if cached != nil && cached.SourceUpdatedAt >= fresh.SourceUpdatedAt {
		return *cached, nil
	}
	if err := l.metadata.Upsert(ctx, fresh); err != nil {
		return fresh, fmt.Errorf("upsert metadata %s: %w", fresh.SessionID, err)
	}
	if cached != nil {
		fresh.AccessCount = cached.AccessCount
		fresh.LastAccessed = cached.LastAccessed
	}
	return fresh, nil
}

// RefreshConversation rebuilds the metadata of a captured conversation,
// folding in its extraction output when one exists.
func (l *Loader) RefreshConversation(ctx context.Context, id string) (*models.SessionMetadata, error) {
	conv, err := l.conversations.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	if conv == nil {
		return nil, nil
	}
	out, err := l.stage1.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get stage1 output %s: %w", id, err)
	}

	session := CLIHistory{Conversation: conv, Stage1: out}
	refreshed, err := l.Refresh(ctx, session)
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// Sync refreshes every source changed since the given time and returns the
// number of sessions examined.
func (l *Loader) Sync(ctx context.Context, since time.Time, limit int) (int, error) {
	n := 0

	convs, err := l.conversations.ListUpdatedSince(ctx, since, limit)
	if err != nil {
		return n, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		if c.Category == models.CategoryInternal {
			continue
		}
		if _, err := l.RefreshConversation(ctx, c.ID); err != nil {
			return n, err
		}
		n++
	}

	wfs, err := l.workflows.ListUpdatedSince(ctx, since, limit)
	if err != nil {
		return n, fmt.Errorf("list workflows: %w", err)
	}
	for _, wf := range wfs {
		if _, err := l.Refresh(ctx, Workflow{Workflow: wf}); err != nil {
			return n, err
		}
		n++
	}

	mems, err := l.memories.ListByCategory(ctx, string(models.SessionTypeCoreMemory), limit)
	if err != nil {
		return n, fmt.Errorf("list core memories: %w", err)
	}
	for _, m := range mems {
		if m.CreatedAt.Before(since) {
			continue
		}
		if _, err := l.Refresh(ctx, CoreMemory{Memory: m}); err != nil {
			return n, err
		}
		n++
	}

	log.Debug().Int("sessions", n).Time("since", since).Msg("Synced session metadata")
	return n, nil
}

// Get returns cached metadata, building it from the conversation source on a miss.
func (l *Loader) Get(ctx context.Context, id string) (*models.SessionMetadata, error) {
	meta, err := l.metadata.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta, nil
	}
	return l.RefreshConversation(ctx, id)
}

// GetMany returns metadata for ids; ids with no known source are omitted.
func (l *Loader) GetMany(ctx context.Context, ids []string) (map[string]models.SessionMetadata, error) {
	out, err := l.metadata.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		meta, err := l.RefreshConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			out[id] = *meta
		}
	}
	return out, nil
}

// Recent returns cached metadata for sessions created since the given time.
func (l *Loader) Recent(ctx context.Context, since time.Time, limit int) ([]models.SessionMetadata, error) {
	return l.metadata.ListCreatedSince(ctx, since, limit)
}

// Touch records that sessions were read.
func (l *Loader) Touch(ctx context.Context, ids []string) error {
	return l.metadata.Touch(ctx, ids, time.Now())
}
