// Command defender-core is the entrypoint for the Autonomous Defender
// Core pipeline (spec.md §2). Grounded directly on cmd/pulse/main.go's
// cobra root+version command wiring and zerolog console init.
package main

import (
	"fmt"
	"os"

	"github.com/labsin-uncuyo/defender-core/internal/config"
	"github.com/labsin-uncuyo/defender-core/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "defender-core",
	Short:   "Autonomous Defender Core: IDS alerts to remediation actions",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("defender-core %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() int {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("defender-core: configuration error")
		return 1
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("defender-core: failed to initialize")
		return 2
	}

	return sup.Run()
}
