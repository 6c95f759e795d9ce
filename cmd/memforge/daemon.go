package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/memforge/internal/clustering"
	"github.com/thebtf/memforge/internal/config"
	"github.com/thebtf/memforge/internal/extraction"
	"github.com/thebtf/memforge/internal/watcher"
)

// errSettingsChanged ends the daemon so its supervisor restarts it with the
// new settings.
var errSettingsChanged = errors.New("settings changed")

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run extraction and clustering periodically",
		Long: `Run extraction and clustering periodically.

The daemon exits when settings.json changes so that a process manager can
restart it with the new configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				interval = opts.cfg.DaemonInterval
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancelCause(ctx)
			defer cancel(nil)
			cmd.SetContext(ctx)

			w, err := watcher.New(config.SettingsPath(), watcher.Options{
				Ops: fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename,
			}, func(op fsnotify.Op) {
				log.Warn().Str("path", config.SettingsPath()).Str("op", op.String()).Msg("Settings changed, exiting for restart")
				cancel(errSettingsChanged)
			})
			if err != nil {
				log.Warn().Err(err).Msg("Failed to create settings watcher")
			} else if err := w.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to start settings watcher")
			} else {
				defer func() { _ = w.Stop() }()
			}

			err = withApp(cmd, opts, true, 30*time.Second, func(ctx context.Context, a *app) error {
				log.Info().Dur("interval", interval).Str("version", Version).Msg("Daemon started")
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					a.tick(ctx)
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
			if errors.Is(context.Cause(ctx), errSettingsChanged) {
				log.Info().Msg("Daemon stopped for restart")
			} else {
				log.Info().Msg("Daemon stopped")
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Time between runs (default from settings)")
	return cmd
}

// tick runs one maintenance round. Failures are logged and the next round
// tries again.
func (a *app) tick(ctx context.Context) {
	lease := 2 * a.cfg.LLMTimeout
	if _, err := a.scheduler.ReleaseExpired(ctx, extraction.JobKind, lease); err != nil {
		log.Warn().Err(err).Msg("Failed to release expired claims")
	}

	since := time.Now().AddDate(0, 0, -a.cfg.ClusterLookbackDays)
	if _, err := a.loader.Sync(ctx, since, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to sync session metadata")
	}

	result, err := a.pipeline.RunBatch(ctx, extraction.BatchOptions{})
	if err != nil {
		log.Error().Err(err).Msg("Extraction batch failed")
	} else {
		log.Info().
			Int("processed", result.Processed).
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Msg("Extraction batch finished")
	}

	ok, err := a.clustering.ShouldRunBatch(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check clustering gate")
		return
	}
	if !ok {
		return
	}
	if _, err := a.clustering.ClusterBatch(ctx, clustering.BatchOptions{}); err != nil {
		log.Error().Err(err).Msg("Batch clustering failed")
		return
	}
	if _, err := a.clustering.Deduplicate(ctx); err != nil {
		log.Error().Err(err).Msg("Cluster deduplication failed")
	}
}
