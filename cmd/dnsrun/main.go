package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	workDir string
	simname string
	verbose bool
)

// main runs the dnsrun commands and exits with status 1 when one fails.
// Exiting through atexit kills a solver that is still running.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		atexit.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dnsrun",
		Short:         "launch and postprocess pseudo-spectral turbulence runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().StringVar(&workDir, "wd", ".", "working directory of the run")
	rootCmd.PersistentFlags().StringVar(&simname, "simname", "test", "simulation name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newRunCmd(), newStatsCmd(), newParamsCmd())
	return rootCmd
}
