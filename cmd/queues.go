package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
	"transferq/internal/app"
	"transferq/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func queuesCmd() *cobra.Command {
	var (
		scope   string
		pattern string
	)
	var command = &cobra.Command{
		Use:   "queues",
		Short: "List queues of a scope with their depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if scope == "" {
				scope = cfg.Queue.Scope
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			a, err := app.Open(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.Queue.ListQueues(ctx, scope)
			if err != nil {
				return err
			}
			keep := map[string]bool{}
			if pattern != "" {
				names, err := a.Queue.FindQueueMatching(ctx, scope, pattern)
				if err != nil {
					return err
				}
				for _, n := range names {
					keep[n] = true
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "BACKEND\tQUEUE\tREADY\tDELAYED\tRESERVED\n")
			for _, qi := range infos {
				if pattern != "" && !keep[qi.Name] {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Queue.Backend(), qi.Name,
					humanize.Comma(qi.Ready), humanize.Comma(qi.Delayed), humanize.Comma(qi.Reserved))
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&scope, "scope", "", "Queue scope (defaults to Queue_Scope)")
	command.Flags().StringVar(&pattern, "match", "", "Only show queues whose name matches this regular expression")
	return command
}
