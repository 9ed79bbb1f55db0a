package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/billingkit/internal/db/migrations"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/idempotency"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/svc/checkout"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, err := loadApp()
			if err != nil {
				return err
			}
			var pgCfg pg.Config
			if err := config.Load(&pgCfg); err != nil {
				return err
			}
			pool, err := pg.Connect(cmd.Context(), pgCfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return pg.MigrateFS(cmd.Context(), pool, migrations.FS, ".", pgCfg, log)
		},
	}
}

func newPlansCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Print the effective plan catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg plans.Config
			if err := config.Load(&cfg); err != nil {
				return err
			}
			catalog, err := plans.Load(cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return printPlansJSON(cmd.OutOrStdout(), catalog)
			}
			return printPlans(cmd.OutOrStdout(), catalog)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

func printPlans(w io.Writer, catalog *plans.Catalog) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := []string{"TIER", "PRICE"}
	for _, m := range plans.Metrics {
		header = append(header, strings.ToUpper(string(m)))
	}
	header = append(header, "ENTITLEMENTS", "PRICE IDS")
	fmt.Fprintln(tw, strings.Join(header, "\t"))

	for _, p := range catalog.Plans() {
		row := []string{string(p.Code), p.PriceLabel()}
		for _, m := range plans.Metrics {
			row = append(row, limitLabel(p, m))
		}
		ents := make([]string, 0, len(p.Entitlements))
		for _, e := range p.Entitlements {
			ents = append(ents, string(e))
		}
		row = append(row, dashIfEmpty(strings.Join(ents, ",")), dashIfEmpty(strings.Join(p.PriceIDs, ",")))
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func limitLabel(p plans.Plan, m plans.Metric) string {
	limit, ok := p.Limit(m)
	switch {
	case !ok:
		return "-"
	case limit == plans.Unlimited:
		return "unlimited"
	}
	label := strconv.FormatInt(limit, 10)
	if daily, ok := p.DailyCap(m); ok {
		label += fmt.Sprintf(" (%d/day)", daily)
	}
	return label
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type planView struct {
	Tier         plans.Tier             `json:"tier"`
	Name         string                 `json:"name"`
	MonthlyPrice string                 `json:"monthly_price"`
	Limits       map[plans.Metric]int64 `json:"limits"`
	DailyCaps    map[plans.Metric]int64 `json:"daily_caps,omitempty"`
	Entitlements []plans.Entitlement    `json:"entitlements,omitempty"`
	PriceIDs     []string               `json:"price_ids,omitempty"`
}

func printPlansJSON(w io.Writer, catalog *plans.Catalog) error {
	views := make([]planView, 0, len(catalog.Plans()))
	for _, p := range catalog.Plans() {
		views = append(views, planView{
			Tier:         p.Code,
			Name:         p.Name,
			MonthlyPrice: p.MonthlyPrice.StringFixed(2),
			Limits:       p.Limits,
			DailyCaps:    p.DailyCaps,
			Entitlements: p.Entitlements,
			PriceIDs:     p.PriceIDs,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func newPruneLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-ledger",
		Short: "Delete processed-event records older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, err := loadApp()
			if err != nil {
				return err
			}
			var (
				pgCfg     pg.Config
				ledgerCfg idempotency.Config
			)
			if err := config.Load(&pgCfg); err != nil {
				return err
			}
			if err := config.Load(&ledgerCfg); err != nil {
				return err
			}
			pool, err := pg.Connect(cmd.Context(), pgCfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := idempotency.NewPgLedger(pool, ledgerCfg).Prune(cmd.Context())
			if err != nil {
				return err
			}
			metrics.RecordLedgerPruned(n)
			log.InfoContext(cmd.Context(), "ledger pruned",
				slog.Int64("count", n),
				slog.Duration("retention", ledgerCfg.Retention),
			)
			return nil
		},
	}
}

func newCheckoutCmd() *cobra.Command {
	var req checkout.StartRequest
	var tier string
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Create a hosted checkout link for an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req.Tier = plans.Tier(tier)
			if req.SuccessURL == "" {
				req.SuccessURL = a.cfg.PublicBaseURL + "/billing/success"
			}
			if req.CancelURL == "" {
				req.CancelURL = a.cfg.PublicBaseURL + "/billing/cancel"
			}
			session, err := a.checkout.StartCheckout(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), session.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "owner email")
	cmd.Flags().StringVar(&req.Name, "name", "", "owner name")
	cmd.Flags().StringVar(&tier, "tier", string(plans.TierStarter), "plan tier")
	cmd.Flags().StringVar(&req.SuccessURL, "success-url", "", "redirect after payment")
	cmd.Flags().StringVar(&req.CancelURL, "cancel-url", "", "redirect on cancel")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newPortalCmd() *cobra.Command {
	var returnURL string
	cmd := &cobra.Command{
		Use:   "portal TENANT_ID",
		Short: "Create a billing portal link for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if returnURL == "" {
				returnURL = a.cfg.PublicBaseURL
			}
			url, err := a.checkout.PortalURL(cmd.Context(), id, returnURL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	cmd.Flags().StringVar(&returnURL, "return-url", "", "where the portal links back to")
	return cmd
}

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage TENANT_ID",
		Short: "Print a tenant's usage for the current period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.meter.GetUsageStats(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newDeadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List outbox tasks that exhausted their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dead, err := a.outbox.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tNAME\tRETRIES\tFAILED AT\tERROR")
			for _, d := range dead {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					d.TaskID, d.TaskName, d.RetryCount, d.FailedAt.Format("2006-01-02 15:04:05"), firstLine(d.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func startApp(cmd *cobra.Command) (*app, error) {
	cfg, log, err := loadApp()
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg, log)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
