package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stratplan/internal/billing"
	"stratplan/internal/db"
	"stratplan/internal/external"
	"stratplan/internal/types"
)

var entitlementCmd = &cobra.Command{
	Use:   "entitlement",
	Short: "Inspect tenant entitlements",
}

var entitlementShowCmd = &cobra.Command{
	Use:   "show <tenant-id>",
	Short: "Print a tenant's entitlement, including provider references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(a)

		e, err := a.Entitlements.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printEntitlement(cmd.OutOrStdout(), e)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <tenant-id>",
	Short: "Resync one tenant with the payment provider now",
	Long:  `sync compares one tenant's entitlement with the provider and repairs drift, outside the job lock of the scheduled sweep.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(a)

		if err := a.Syncer.SyncTenant(cmd.Context(), args[0], time.Now().UTC()); err != nil {
			return err
		}
		e, err := a.Entitlements.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printEntitlement(cmd.OutOrStdout(), e)
	},
}

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Work with claimed webhook events",
}

var eventReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Apply a claimed event again from its stored payload",
	Long: `replay reads an event from the ledger and runs it through the reconciler
again. The ledger claim is left untouched. Use it after fixing a bug that made
the first application fail.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp(a)

		return replayEvent(cmd.Context(), cmd.OutOrStdout(), a.Ledger, a.Reconciler, args[0])
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the configured price catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := billing.CatalogFromConfig(cfg.Billing)
		if err != nil {
			return err
		}
		return printCatalog(cmd.OutOrStdout(), c)
	},
}

func init() {
	entitlementCmd.AddCommand(entitlementShowCmd)
	eventCmd.AddCommand(eventReplayCmd)
}

func printEntitlement(w io.Writer, e *types.Entitlement) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("tenant", e.TenantID)
	row("plan", e.Plan)
	row("status", e.Status)
	row("interval", orDash(string(e.BillingInterval)))
	row("customer", orDash(e.ProviderCustomerRef))
	row("subscription", orDash(e.ProviderSubscriptionRef))
	row("period", periodString(e.CurrentPeriodStart, e.CurrentPeriodEnd))
	row("trial ends", timeOrDash(e.TrialEndsAt))
	row("cancel at period end", e.CancelAtPeriodEnd)
	if e.PendingDowngradePlan != nil {
		row("pending downgrade", *e.PendingDowngradePlan)
	}
	row("extra seats", e.ExtraSeats)
	if e.PendingExtraSeats != nil {
		row("pending extra seats", *e.PendingExtraSeats)
	}
	row("payment failed", timeOrDash(e.PaymentFailedAt))
	row("grace ends", timeOrDash(e.GracePeriodEndsAt))
	row("last synced", timeOrDash(e.LastSyncedAt))
	row("updated", e.UpdatedAt.UTC().Format(time.RFC3339))
	return tw.Flush()
}

type ledgerReader interface {
	Get(ctx context.Context, eventID string) (*db.ClaimedEvent, error)
}

type eventApplier interface {
	Apply(ctx context.Context, ev billing.Event) error
}

func replayEvent(ctx context.Context, w io.Writer, ledger ledgerReader, applier eventApplier, eventID string) error {
	claimed, err := ledger.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if len(claimed.Payload) == 0 {
		return fmt.Errorf("event %s has no stored payload", eventID)
	}

	verified, err := external.ParseStoredEvent(claimed.Payload)
	if err != nil {
		return err
	}
	ev, err := billing.DecodeEvent(verified.ID, verified.Type, verified.Created, verified.Object)
	if err != nil {
		return err
	}
	if _, ok := ev.(billing.Unhandled); ok {
		fmt.Fprintf(w, "event %s (%s) is not a reconciled type; nothing to do\n", verified.ID, verified.Type)
		return nil
	}
	if err := applier.Apply(ctx, ev); err != nil {
		return fmt.Errorf("applying %s: %w", verified.ID, err)
	}
	fmt.Fprintf(w, "replayed %s (%s)\n", verified.ID, verified.Type)
	return nil
}

func printCatalog(w io.Writer, c *billing.Catalog) error {
	entries := c.Entries()
	slices.SortFunc(entries, func(a, b billing.CatalogEntry) int {
		return cmp.Or(
			cmp.Compare(a.Mode, b.Mode),
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Plan, b.Plan),
			cmp.Compare(a.Interval, b.Interval),
			cmp.Compare(a.PriceRef, b.PriceRef),
		)
	})

	fmt.Fprintf(w, "active mode: %s\n\n", c.Mode())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODE\tKIND\tPLAN\tINTERVAL\tPRICE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Mode, e.Kind, orDash(string(e.Plan)), orDash(string(e.Interval)), e.PriceRef)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func periodString(start, end *time.Time) string {
	if start == nil && end == nil {
		return "-"
	}
	return timeOrDash(start) + " .. " + timeOrDash(end)
}
