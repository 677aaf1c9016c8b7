package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/noah-isme/billing-nowpayments/internal/app"
	"github.com/noah-isme/billing-nowpayments/internal/obs"
	"github.com/noah-isme/billing-nowpayments/internal/queue"
)

func connect(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := obs.NewLogger("console", "warn")
	return app.New(ctx, cfg, logger, "billingctl")
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered queue tasks",
	}

	var (
		kind   string
		limit  int
		offset int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			entries, total, err := queue.DLQ{Store: a.DLQStore, Queue: a.Queue}.List(cmd.Context(), kind, limit, offset)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tCREATED\tLAST ERROR")
			for _, e := range entries {
				lastErr := ""
				if e.LastError != nil {
					lastErr = *e.LastError
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.Kind, e.Attempts, e.CreatedAt.Format("2006-01-02 15:04:05"), lastErr)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d\n", len(entries), total)
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "task kind, e.g. nowpayments-event")
	list.Flags().IntVar(&limit, "limit", 50, "page size")
	list.Flags().IntVar(&offset, "offset", 0, "page offset")

	var all bool
	replay := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Re-enqueue dead-lettered tasks by id, or the newest of a kind with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass entry ids or --all --kind <kind>")
			}
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			dlq := queue.DLQ{Store: a.DLQStore, Queue: a.Queue}
			var (
				replayed []uuid.UUID
				failed   map[string]string
			)
			if all {
				replayed, failed, err = dlq.ReplayKind(cmd.Context(), kind, limit)
				if err != nil {
					return err
				}
			} else {
				replayed, failed = dlq.ReplayIDs(cmd.Context(), ids)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"replayed": replayed, "failed": failed})
		},
	}
	replay.Flags().BoolVar(&all, "all", false, "replay the newest entries of --kind")
	replay.Flags().StringVar(&kind, "kind", "", "task kind used with --all")
	replay.Flags().IntVar(&limit, "limit", 100, "maximum entries replayed with --all")

	cmd.AddCommand(list, replay)
	return cmd
}
