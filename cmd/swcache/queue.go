package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/swcache/internal/db"
	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/fetcher"
	"github.com/lucasew/swcache/internal/httpclient"
	"github.com/lucasew/swcache/internal/syncqueue"
)

// The queue commands work on the local database directly, so they also work
// while the server is down. SQLite serializes writers across processes.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspects and replays the background sync queue",
}

func openQueue(origin string, timeout time.Duration) (*syncqueue.Queue, *db.DB, error) {
	path := dbPath()
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("no queue database at %s: %w", path, err)
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	opts := syncqueue.Options{DB: database, ReplayTimeout: timeout}
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil {
			errutil.Close(database, "Failed to close queue database")
			return nil, nil, fmt.Errorf("invalid origin: %w", err)
		}
		opts.Network = fetcher.NewFetcher(httpclient.NewClient(httpclient.Options{}), u)
	}
	return syncqueue.New(opts), database, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists queued requests, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, database, err := openQueue("", 0)
		if err != nil {
			return err
		}
		defer errutil.Close(database, "Failed to close queue database")

		items, err := q.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMETHOD\tURL\tBYTES\tATTEMPTS\tENQUEUED\tLAST ERROR")
		for _, it := range items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				it.ID, it.Method, it.URL, len(it.Body), it.Attempts,
				it.EnqueuedAt.Format(time.RFC3339), it.LastError)
		}
		return tw.Flush()
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "Drops queued requests without replaying them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, database, err := openQueue("", 0)
		if err != nil {
			return err
		}
		defer errutil.Close(database, "Failed to close queue database")

		var missing []string
		for _, id := range args {
			ok, err := q.Remove(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("not queued: %v", missing)
		}
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replays every queued request against the origin",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		origin := viper.GetString("origin")
		if origin == "" {
			return errors.New("--origin is required to replay requests")
		}
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}
		q, database, err := openQueue(origin, timeout)
		if err != nil {
			return err
		}
		defer errutil.Close(database, "Failed to close queue database")

		n, err := q.Len(cmd.Context())
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(os.Stderr, "queue is empty")
			return nil
		}

		bar := progressbar.NewOptions(n,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("replaying"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(20),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
					errutil.LogMsg(err, "Failed to print newline to stderr")
				}
			}),
		)
		rep, err := q.Drain(cmd.Context(), func(item *db.Item, err error) {
			errutil.LogMsg(bar.Add(1), "Failed to update progress bar")
		})
		errutil.LogMsg(bar.Finish(), "Failed to finish progress bar")
		if err != nil {
			return err
		}
		if err := printJSON(rep); err != nil {
			return err
		}
		if rep.Failed > 0 {
			return fmt.Errorf("%d of %d requests failed", rep.Failed, rep.Attempted)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueRemoveCmd, queueDrainCmd)

	queueDrainCmd.Flags().Duration("timeout", 30*time.Second, "Timeout of a single replay (0 = none)")
}
