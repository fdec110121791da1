// AngelaMos | 2026
// commands.go

package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/carterperez-dev/entitlement-engine/internal/app"
	"github.com/carterperez-dev/entitlement-engine/internal/store"
)

type countResult struct {
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Count  int    `json:"count"             yaml:"count"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user-id>",
		Short: "Show a user's entitlement computed from the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				status, err := a.Entitlements.ComputeStatus(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("compute status: %w", err)
				}

				if opts.outputFormat != formatTable {
					return printOutput(cmd.OutOrStdout(), opts.outputFormat, status)
				}

				t := newTable("USER", "PRO", "PLAN", "STATUS", "PERIOD END", "USED", "REMAINING")
				plan, state, periodEnd := "-", "-", "-"
				if s := status.Subscription; s != nil {
					plan = s.PlanID
					state = string(s.Status)
					periodEnd = s.CurrentPeriodEnd.UTC().Format(time.RFC3339)
					if s.CancelAtPeriodEnd {
						state += " (cancels)"
					}
				}
				remaining := "unlimited"
				if !status.Usage.Unlimited {
					remaining = strconv.Itoa(status.Remaining())
				}
				t.addRow(args[0], strconv.FormatBool(status.IsPro), plan, state,
					periodEnd, strconv.Itoa(status.Usage.Current), remaining)
				return t.render(cmd.OutOrStdout())
			})
		},
	}
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Manage usage counters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild <user-id>...",
		Short: "Recompute denormalized usage counters from the event history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				results := make([]countResult, 0, len(args))
				for _, userID := range args {
					n, err := a.Entitlements.RebuildUsage(cmd.Context(), userID)
					if err != nil {
						return fmt.Errorf("rebuild usage for %s: %w", userID, err)
					}
					results = append(results, countResult{UserID: userID, Count: n})
				}

				if opts.outputFormat != formatTable {
					return printOutput(cmd.OutOrStdout(), opts.outputFormat, results)
				}

				t := newTable("USER", "COUNT")
				for _, r := range results {
					t.addRow(r.UserID, strconv.Itoa(r.Count))
				}
				return t.render(cmd.OutOrStdout())
			})
		},
	})

	return cmd
}

func newExpireCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire cancel-pending subscriptions whose period has ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				n, err := a.Entitlements.ExpireLapsed(cmd.Context())
				if err != nil {
					return fmt.Errorf("expire subscriptions: %w", err)
				}

				if opts.outputFormat != formatTable {
					return printOutput(cmd.OutOrStdout(), opts.outputFormat, countResult{Count: n})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d subscription(s)\n", n)
				return err
			})
		},
	}
}

func newInvalidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <user-id>...",
		Short: "Drop cached entitlement entries for users",
		Long: `invalidate removes the cached status and quota decision for each
user. It only reaches a shared cache, so it has no effect on the memory
backend of a running server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				for _, userID := range args {
					if err := a.Entitlements.InvalidateUser(cmd.Context(), userID); err != nil {
						return fmt.Errorf("invalidate %s: %w", userID, err)
					}
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d user(s)\n", len(args))
				return err
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app.App) error {
				applied, err := store.Migrate(cmd.Context(), a.DB.DB, a.DB.Driver, a.Logger)
				if err != nil {
					return err
				}

				if opts.outputFormat != formatTable {
					return printOutput(cmd.OutOrStdout(), opts.outputFormat, applied)
				}
				if len(applied) == 0 {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					return err
				}
				for _, v := range applied {
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
