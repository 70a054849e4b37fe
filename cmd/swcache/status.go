package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasew/swcache/internal/syncqueue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the lifecycle state of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [tag]",
	Short: "Fires a sync event on a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag := syncqueue.Tag
		if len(args) == 1 {
			tag = args[0]
		}
		rep, err := newClient().RequestSync(cmd.Context(), tag)
		if err != nil {
			return err
		}
		if rep == nil {
			fmt.Printf("tag %q ignored\n", tag)
			return nil
		}
		return printJSON(rep)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}
