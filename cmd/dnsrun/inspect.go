package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/san-kum/dnsrun/internal/checkpoint"
	"github.com/san-kum/dnsrun/internal/optional"
	"github.com/san-kum/dnsrun/internal/report"
	"github.com/san-kum/dnsrun/internal/stats"
)

var (
	iter0 int
	iter1 int
	plain bool
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "postprocess the statistics of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			window := optional.None[int]()
			if cmd.Flags().Changed("iter1") {
				window = optional.Some(iter1)
			}
			st, err := stats.New(checkpoint.New(workDir, simname)).Compute(iter0, window)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("%s: no statistics recorded", simname)
			}
			if plain {
				return report.WriteDiagnostics(cmd.OutOrStdout(), st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.Render(simname, st))
			return nil
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print name = value lines instead of a panel")
	cmd.Flags().IntVar(&iter0, "iter0", 0, "first iteration of the window")
	cmd.Flags().IntVar(&iter1, "iter1", 0, "last iteration of the window (default latest)")
	return cmd
}

func newParamsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "print the parameters stored with a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := checkpoint.New(workDir, simname).ReadData()
			if err != nil {
				return err
			}
			defer raw.Close()
			p, err := checkpoint.ReadParameters(raw)
			if err != nil {
				return err
			}
			return report.WriteParameters(cmd.OutOrStdout(), p)
		},
	}
}
