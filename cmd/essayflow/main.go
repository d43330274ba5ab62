// Package main is the essayflow command line.
//
// Run one coaching turn against the offline stub backend:
//
//	essayflow turn --user ana --seed profile.yaml "brainstorm then outline my essay"
//
// Settings are read from ESSAYFLOW_* environment variables, optionally
// seeded from a .env file (--env-file).
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/essayflow/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger.Init()

	if err := buildRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var envFile string
	rootCmd := &cobra.Command{
		Use:   "essayflow",
		Short: "Essay coaching tool orchestration",
		Long: `essayflow plans and runs typed coaching tools (brainstorm, outline, draft,
revise, polish, feedback) against a reasoning backend, validating every
output against its contract.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv or config file exported before reading ESSAYFLOW_* settings")

	rootCmd.AddCommand(
		buildTurnCmd(&envFile),
		buildToolsCmd(&envFile),
		buildContractsCmd(),
	)
	return rootCmd
}
