package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/memforge/internal/clustering"
	"github.com/thebtf/memforge/internal/extraction"
	"github.com/thebtf/memforge/internal/search"
)

// withApp opens the app for one command and closes it afterwards, giving
// background hooks up to closeWait to finish.
func withApp(cmd *cobra.Command, opts *rootOptions, withLLM bool, closeWait time.Duration, run func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, opts.cfg, withLLM)
	if err != nil {
		return err
	}
	runErr := run(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("close store: %w", err)
	}
	return runErr
}

func newExtractCmd(opts *rootOptions) *cobra.Command {
	var (
		maxSessions int
		exclude     string
		wait        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "extract [session-id]",
		Short: "Extract memories from eligible sessions, or from one session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, wait, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					out, err := a.pipeline.ExtractOne(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), out)
				}
				result, err := a.pipeline.RunBatch(ctx, extraction.BatchOptions{
					ExcludeSessionID: exclude,
					MaxSessions:      maxSessions,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&maxSessions, "max", 0, "Maximum sessions to process (default from settings)")
	cmd.Flags().StringVar(&exclude, "exclude-session", "", "Session to skip, usually the caller's own")
	cmd.Flags().DurationVar(&wait, "hook-wait", hookTimeout, "How long to wait for clustering and pattern hooks before exiting")
	return cmd
}

func newClusterCmd(opts *rootOptions) *cobra.Command {
	var (
		incremental, dedup, force, list bool
		members, archive                string
	)
	cmd := &cobra.Command{
		Use:   "cluster [session-id...]",
		Short: "Cluster related sessions",
		Long: `Cluster related sessions.

Without flags, recent unclustered sessions are clustered in batch when enough
have accumulated since the last run. --incremental assigns the given sessions
to existing clusters; --dedup merges duplicate clusters; --archive retires a
cluster so its sessions can be grouped again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if incremental && len(args) == 0 {
				return fmt.Errorf("--incremental needs at least one session id")
			}
			return withApp(cmd, opts, false, 5*time.Second, func(ctx context.Context, a *app) error {
				svc := a.clustering
				switch {
				case archive != "":
					if err := svc.ArchiveCluster(ctx, archive); err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]string{"archived": archive})
				case members != "":
					rows, err := svc.ClusterSessions(ctx, members)
					if err != nil {
						return err
					}
					if rows == nil {
						return fmt.Errorf("cluster %s not found", members)
					}
					return printJSON(cmd.OutOrStdout(), rows)
				case list:
					summaries, err := svc.Clusters(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), summaries)
				case incremental:
					result, err := svc.ClusterIncremental(ctx, args)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), result)
				case dedup:
					result, err := svc.Deduplicate(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), result)
				}

				if _, err := a.loader.Sync(ctx, time.Now().AddDate(0, 0, -a.cfg.ClusterLookbackDays), 0); err != nil {
					return fmt.Errorf("sync session metadata: %w", err)
				}
				if !force {
					ok, err := svc.ShouldRunBatch(ctx, time.Now())
					if err != nil {
						return err
					}
					if !ok {
						log.Info().Msg("Not enough new sessions or clustered too recently; use --force to run anyway")
						return printJSON(cmd.OutOrStdout(), clustering.BatchClusterResult{CreatedIDs: []string{}, MergedIDs: []string{}})
					}
				}
				result, err := svc.ClusterBatch(ctx, clustering.BatchOptions{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Assign the given sessions to existing clusters")
	cmd.Flags().BoolVar(&dedup, "dedup", false, "Merge duplicate clusters")
	cmd.Flags().BoolVar(&force, "force", false, "Run batch clustering even when the run gate is closed")
	cmd.Flags().BoolVar(&list, "list", false, "List clusters")
	cmd.Flags().StringVar(&members, "members", "", "List the sessions of one cluster")
	cmd.Flags().StringVar(&archive, "archive", "", "Archive one cluster")
	cmd.MarkFlagsMutuallyExclusive("incremental", "dedup", "list", "members", "archive")
	return cmd
}

func newPatternsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "Detect content recurring across sessions and solidify confident patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, false, 5*time.Second, func(ctx context.Context, a *app) error {
				result, err := a.detector.Detect(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var so search.SearchOptions
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Search memories with vector, full-text and heat signals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, 5*time.Second, func(ctx context.Context, a *app) error {
				results, err := a.search.Search(ctx, strings.Join(args, " "), so)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().IntVar(&so.Limit, "limit", 10, "Maximum results")
	cmd.Flags().StringVar(&so.Category, "category", "", "Only search this category")
	cmd.Flags().Float64Var(&so.MinScore, "min-score", 0, "Minimum vector similarity (default from settings)")
	return cmd
}

func newRecommendCmd(opts *rootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "recommend <memory-id>",
		Short: "List sources similar to a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, 5*time.Second, func(ctx context.Context, a *app) error {
				results, err := a.search.Recommend(ctx, args[0], count)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), results)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 5, "Maximum recommendations")
	return cmd
}
