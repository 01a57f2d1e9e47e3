// rigsetup prepares a motion capture character from an optical take:
// it loads a skeleton template, applies per-performer offsets, fits
// and wires the skeleton to the recorded markers, and serves the
// interactive review step.
package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:     "rigsetup",
		Short:   "Character setup for optical motion capture takes",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		Long: `rigsetup turns a raw optical capture (.c3d) into a reviewable character:
skeleton template in, offsets applied, joints estimated from markers,
marker constraints wired, and a draft session stored for review.

Typical flow:
  rigsetup setup --recording take04.c3d --performer ines
  rigsetup serve --offsets ines_offsets.csv
  curl -X POST localhost:8173/api/sessions/<id>/finalize`,
		SilenceUsage: true,
	}

	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}

	root.AddCommand(
		newSetupCmd(),
		newEvaluateCmd(),
		newServeCmd(),
		newCompareCmd(),
		newTemplateCmd(),
		newMigrateCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the rigsetup version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("rigsetup %s %s/%s\n", getVersion(), runtime.GOOS, runtime.GOARCH)
			},
		},
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("rigsetup")
		os.Exit(1)
	}
}
