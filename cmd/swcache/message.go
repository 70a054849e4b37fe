package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var messageCmd = &cobra.Command{
	Use:   "message <type> [json]",
	Short: "Sends a command to a running server",
	Long: `Sends a {type, data} command, e.g.

  swcache message SKIP_WAITING
  swcache message OPTIMIZE_PERFORMANCE '{"level":"low-end"}'
  swcache message BATTERY_OPTIMIZATION '{"enabled":true}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return errors.New("data is not valid JSON")
			}
			data = json.RawMessage(args[1])
		}
		reply, err := newClient().PostMessage(cmd.Context(), args[0], data)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		return printJSON(reply)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [payload]",
	Short: "Delivers a push message to a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload string
		if len(args) == 1 {
			payload = args[0]
		}
		return newClient().Push(cmd.Context(), payload)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print reply: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(messageCmd)
	rootCmd.AddCommand(pushCmd)
}
