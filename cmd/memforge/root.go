package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/memforge/internal/config"
)

type rootOptions struct {
	dataDir string
	debug   bool
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "memforge",
		Short:         "Consolidate session transcripts into searchable memory",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd.ErrOrStderr(), opts.debug)
			if opts.dataDir != "" {
				// config resolves every path from this variable.
				if err := os.Setenv("MEMFORGE_DATA_DIR", opts.dataDir); err != nil {
					return err
				}
			}
			if err := config.EnsureAll(); err != nil {
				return fmt.Errorf("prepare data directory: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to load config, using defaults")
				cfg = config.Default()
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Data directory (default: ~/.memforge)")

	cmd.AddCommand(
		newIngestCmd(opts),
		newExtractCmd(opts),
		newClusterCmd(opts),
		newPatternsCmd(opts),
		newSearchCmd(opts),
		newRecommendCmd(opts),
		newDaemonCmd(opts),
	)
	return cmd
}

// setupLogging sends human-readable logs to w, keeping stdout for results.
func setupLogging(w io.Writer, debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, NoColor: true})
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
