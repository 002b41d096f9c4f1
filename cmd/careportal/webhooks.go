package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careportal/careportal/internal/platform/webhook"
)

func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect and exercise webhook subscriptions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withManager(cmd.Context(), func(ctx context.Context, m *webhook.Manager) error {
				subs, total, err := m.List(ctx, limit, 0)
				if err != nil {
					return err
				}
				printSubscriptions(cmd.OutOrStdout(), subs, total)
				return nil
			})
		},
	}
	listCmd.Flags().Int("limit", 100, "Maximum subscriptions to show")
	cmd.AddCommand(listCmd)

	testCmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Send a signed test delivery to one subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid webhook id %q", args[0])
			}
			as, _ := cmd.Flags().GetString("as")
			return withManager(cmd.Context(), func(ctx context.Context, m *webhook.Manager) error {
				if as == "" {
					sub, err := m.Get(ctx, id)
					if err != nil {
						return err
					}
					as = sub.CreatedBy
				}
				res, err := m.Test(ctx, id, as)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	testCmd.Flags().String("as", "", "Principal to act as (defaults to the webhook's creator)")
	cmd.AddCommand(testCmd)

	return cmd
}

func withManager(ctx context.Context, fn func(context.Context, *webhook.Manager) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Limits are process local here.
	return fn(ctx, newWebhookManager(pool, nil, cfg, zerolog.Nop()))
}

func statusLabel(status webhook.DeliveryStatus) string {
	switch status {
	case webhook.DeliverySuccess:
		return color.New(color.FgGreen).Sprint("SUCCESS")
	case webhook.DeliverySkipped:
		return color.New(color.FgYellow).Sprint("SKIPPED")
	default:
		return color.New(color.FgRed).Sprint("FAILED ")
	}
}

func activeLabel(active bool) string {
	if active {
		return color.New(color.FgGreen).Sprint("active  ")
	}
	return color.New(color.FgRed).Sprint("inactive")
}

func printSubscriptions(w io.Writer, subs []*webhook.Subscription, total int) {
	if len(subs) == 0 {
		fmt.Fprintln(w, "No webhooks registered.")
		return
	}
	for _, s := range subs {
		events := make([]string, len(s.Events))
		for i, e := range s.Events {
			events[i] = string(e)
		}
		fmt.Fprintf(w, "%s  %s  failures=%-2d  %s\n", s.ID, activeLabel(s.IsActive), s.FailureCount, s.URL)
		fmt.Fprintf(w, "    events: %s\n", strings.Join(events, ", "))
		if s.LastTriggeredAt != nil {
			fmt.Fprintf(w, "    last triggered: %s\n", s.LastTriggeredAt.Format("2006-01-02 15:04:05"))
		}
	}
	if total > len(subs) {
		fmt.Fprintf(w, "(%d of %d shown)\n", len(subs), total)
	}
}

func printResult(w io.Writer, res webhook.DeliveryResult) {
	fmt.Fprintf(w, "%s  webhook=%s  delivery=%s", statusLabel(res.Status), res.WebhookID, res.DeliveryID)
	if res.StatusCode != 0 {
		fmt.Fprintf(w, "  status=%d", res.StatusCode)
	}
	fmt.Fprintln(w)
	if res.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", res.Error)
	}
	if res.Deactivated {
		fmt.Fprintln(w, color.New(color.FgRed).Sprint("    webhook deactivated after repeated failures"))
	}
}
