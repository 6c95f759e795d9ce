// Package gorm provides GORM-based database operations for memforge.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Job ledger
		{
			ID: "001_jobs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Job{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("jobs")
			},
		},

		// Migration 002: Conversation source tables
		{
			ID: "002_conversations",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Conversation{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ConversationTurn{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("conversation_turns", "conversations")
			},
		},

		// Migration 003: Extraction outputs and session metadata cache
		{
			ID: "003_stage1_and_metadata",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Stage1Output{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&SessionMetadataCache{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("session_metadata_cache", "stage1_outputs")
			},
		},

		// Migration 004: Session clusters
		{
			ID: "004_session_clusters",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&SessionCluster{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ClusterMember{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("cluster_members", "session_clusters")
			},
		},

		// Migration 005: Memories, chunks, prompts, entities, workflows
		{
			ID: "005_knowledge_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Memory{}, &Chunk{}, &UserPrompt{}, &Entity{}, &Workflow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("workflows", "entities", "user_prompts", "chunks", "memories")
			},
		},

		// Migration 006: Full-text indexes
		{
			ID: "006_full_text",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() == DriverPostgres {
					return execAll(tx, postgresFullText)
				}
				return execAll(tx, sqliteFullText)
			},
			Rollback: func(tx *gorm.DB) error {
				if tx.Dialector.Name() == DriverPostgres {
					return execAll(tx, []string{
						"DROP INDEX IF EXISTS idx_memories_content_tsv",
						"DROP INDEX IF EXISTS idx_user_prompts_tsv",
					})
				}
				return execAll(tx, []string{
					"DROP TRIGGER IF EXISTS memories_au",
					"DROP TRIGGER IF EXISTS memories_ad",
					"DROP TRIGGER IF EXISTS memories_ai",
					"DROP TABLE IF EXISTS memories_fts",
					"DROP TRIGGER IF EXISTS user_prompts_au",
					"DROP TRIGGER IF EXISTS user_prompts_ad",
					"DROP TRIGGER IF EXISTS user_prompts_ai",
					"DROP TABLE IF EXISTS user_prompts_fts",
				})
			},
		},
	})

	return m.Migrate()
}

var sqliteFullText = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS user_prompts_fts USING fts5(
		prompt_text, context_summary,
		content='user_prompts',
		content_rowid='id'
	)`,
	`CREATE TRIGGER IF NOT EXISTS user_prompts_ai AFTER INSERT ON user_prompts BEGIN
		INSERT INTO user_prompts_fts(rowid, prompt_text, context_summary)
		VALUES (new.id, new.prompt_text, new.context_summary);
	END`,
	`CREATE TRIGGER IF NOT EXISTS user_prompts_ad AFTER DELETE ON user_prompts BEGIN
		INSERT INTO user_prompts_fts(user_prompts_fts, rowid, prompt_text, context_summary)
		VALUES('delete', old.id, old.prompt_text, old.context_summary);
	END`,
	`CREATE TRIGGER IF NOT EXISTS user_prompts_au AFTER UPDATE ON user_prompts BEGIN
		INSERT INTO user_prompts_fts(user_prompts_fts, rowid, prompt_text, context_summary)
		VALUES('delete', old.id, old.prompt_text, old.context_summary);
		INSERT INTO user_prompts_fts(rowid, prompt_text, context_summary)
		VALUES (new.id, new.prompt_text, new.context_summary);
	END`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content='memories',
		content_rowid='rowid'
	)`,
	`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
	END`,
	`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END`,
}

var postgresFullText = []string{
	`CREATE INDEX IF NOT EXISTS idx_user_prompts_tsv ON user_prompts
		USING GIN (to_tsvector('english', prompt_text || ' ' || context_summary))`,
	`CREATE INDEX IF NOT EXISTS idx_memories_content_tsv ON memories
		USING GIN (to_tsvector('english', content))`,
}

func execAll(tx *gorm.DB, statements []string) error {
	for _, s := range statements {
		if err := tx.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}
