package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	gormdb "github.com/thebtf/memforge/internal/db/gorm"
	"github.com/thebtf/memforge/pkg/models"
)

// decodeConversations accepts a single conversation object or an array.
func decodeConversations(data []byte) ([]*models.Conversation, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var convs []*models.Conversation
		if err := json.Unmarshal(data, &convs); err != nil {
			return nil, err
		}
		return convs, nil
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return []*models.Conversation{&conv}, nil
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.json...>",
		Short: "Import captured conversations from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, 5*time.Second, func(ctx context.Context, a *app) error {
				convs := gormdb.NewConversationStore(a.store)
				saved := 0
				for _, path := range args {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read %s: %w", path, err)
					}
					batch, err := decodeConversations(data)
					if err != nil {
						return fmt.Errorf("decode %s: %w", path, err)
					}
					for _, conv := range batch {
						now := time.Now()
						if conv.CreatedAt.IsZero() {
							conv.CreatedAt = now
						}
						if conv.UpdatedAt.IsZero() {
							conv.UpdatedAt = conv.CreatedAt
						}
						if err := convs.SaveConversation(ctx, conv); err != nil {
							return fmt.Errorf("save %s from %s: %w", conv.ID, path, err)
						}
						saved++
					}
					log.Info().Str("path", path).Int("conversations", len(batch)).Msg("Ingested file")
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"saved": saved})
			})
		},
	}
}
