package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove jobs that can never fire again",
	Long: `Remove expired jobs once and exit.

A running schedd sweeps on its own every scheduler.sweep_interval; this
command is for stores with no process running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		removed, err := c.engine(nil).Sweep(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired jobs\n", len(removed))
		for _, id := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return err
	},
}
