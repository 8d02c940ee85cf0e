package main

import (
	"context"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/repo"
	"cutline/internal/settlement"
)

func metricsCmd() *cobra.Command {
	m := &cobra.Command{Use: "metrics", Short: "Performance metrics of approved cuts"}
	var views, conversions int64
	record := &cobra.Command{
		Use:   "record <version-id>",
		Short: "Record the latest views and conversions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.RecordMetrics(ctx, args[0], views, conversions, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(snap)
			})
		},
	}
	record.Flags().Int64Var(&views, "views", 0, "total views")
	record.Flags().Int64Var(&conversions, "conversions", 0, "total conversions")
	m.AddCommand(record)
	return m
}

func settleCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "settle",
		Short: "Run and inspect settlements",
		Long:  "PRIMARY settlements pay the frozen budget of each approved version on the first of the next month. SECONDARY settlements pay the quarterly performance bonus on the quarter's last day.",
	}
	s.AddCommand(settlePrimaryCmd())
	s.AddCommand(settleSecondaryCmd())
	s.AddCommand(settleDisburseSecondaryCmd())
	s.AddCommand(settleCompleteCmd())
	s.AddCommand(settleAdjustCmd())
	s.AddCommand(settleListCmd())
	s.AddCommand(settleSummaryCmd())
	s.AddCommand(settleFlagCmd())
	return s
}

func settlePrimaryCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "primary",
		Short: "Disburse primary settlements due by --date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := batchDate(e, date)
				if err != nil {
					return err
				}
				res, err := e.RunPrimaryBatch(ctx, d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "YYYY-MM-DD in the settlement timezone (default today)")
	return cmd
}

func settleSecondaryCmd() *cobra.Command {
	var quarter string
	cmd := &cobra.Command{
		Use:   "secondary",
		Short: "Compute quarterly performance settlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := quarterOrPrevious(e, quarter)
				if err != nil {
					return err
				}
				res, err := e.RunSecondaryBatch(ctx, q, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&quarter, "quarter", "", "YYYY-Qn (default the previous quarter)")
	return cmd
}

func settleDisburseSecondaryCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "disburse-secondary",
		Short: "Disburse secondary settlements due by --date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := batchDate(e, date)
				if err != nil {
					return err
				}
				res, err := e.DisburseSecondary(ctx, d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "YYYY-MM-DD in the settlement timezone (default today)")
	return cmd
}

func settleCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>...",
		Short: "Mark PROCESSING settlements paid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.CompleteSettlements(ctx, args, actorID())
				if err != nil {
					return err
				}
				return printSettlements(recs)
			})
		},
	}
}

func settleAdjustCmd() *cobra.Command {
	var opts engine.AdjustOptions
	cmd := &cobra.Command{
		Use:   "adjust <id>",
		Short: "Correct the amounts of a PENDING settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.AdjustSettlement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.BaseAmount, "base", 0, "base amount")
	cmd.Flags().Int64Var(&opts.BonusAmount, "bonus", 0, "bonus amount")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the amounts change")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func settlementFlags(cmd *cobra.Command, f *repo.SettlementFilter) {
	cmd.Flags().StringVar(&f.Kind, "kind", "", "PRIMARY or SECONDARY")
	cmd.Flags().StringVar(&f.Status, "status", "", "PENDING, PROCESSING or COMPLETED")
	cmd.Flags().StringVar(&f.ProducerID, "producer", "", "producer filter")
	cmd.Flags().StringVar(&f.SourceRef, "source", "", "version id or quarter")
	cmd.Flags().StringVar(&f.BatchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&f.DueBy, "due-by", "", "scheduled on or before YYYY-MM-DD")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
}

func settleListCmd() *cobra.Command {
	var f repo.SettlementFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List settlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.ListSettlements(ctx, f)
				if err != nil {
					return err
				}
				return printSettlements(recs)
			})
		},
	}
	settlementFlags(cmd, &f)
	return cmd
}

func settleSummaryCmd() *cobra.Command {
	var f repo.SettlementFilter
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Totals per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SettlementSummary(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	settlementFlags(cmd, &f)
	return cmd
}

func settleFlagCmd() *cobra.Command {
	var producer, quarter, flag string
	var list bool
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Flag a producer for a special bonus, or list flags with --list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := quarterOrPrevious(e, quarter)
				if err != nil {
					return err
				}
				if list {
					flags, err := e.ListBonusFlags(ctx, producer, q)
					if err != nil {
						return err
					}
					return printJSONOrTable(flags)
				}
				f, err := e.FlagSpecialBonus(ctx, producer, q, domain.SpecialBonus(flag), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&producer, "producer", "", "producer id")
	cmd.Flags().StringVar(&quarter, "quarter", "", "YYYY-Qn (default the previous quarter)")
	cmd.Flags().StringVar(&flag, "bonus", "", "quarter_mvp or most_new_clients")
	cmd.Flags().BoolVar(&list, "list", false, "list flags instead of adding one")
	return cmd
}

func printSettlements(recs []domain.SettlementRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := newTable("ID", "Kind", "Producer", "Source", "Base", "Bonus", "Amount", "Status", "Scheduled")
	for _, r := range recs {
		tw.AppendRow(table.Row{r.ID, r.Kind, r.ProducerID, r.SourceRef, r.BaseAmount, r.BonusAmount, r.Amount, r.Status, r.ScheduledFor})
	}
	tw.Render()
	return nil
}

func batchDate(e engine.Engine, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Now().In(e.Loc), nil
	}
	t, err := time.ParseInLocation(settlement.DateLayout, s, e.Loc)
	if err != nil {
		return time.Time{}, domain.Invalid("date %q must be YYYY-MM-DD", s)
	}
	return t, nil
}

func quarterOrPrevious(e engine.Engine, s string) (settlement.Quarter, error) {
	if strings.TrimSpace(s) == "" {
		return settlement.QuarterOf(time.Now(), e.Loc).Previous(), nil
	}
	return settlement.ParseQuarter(s)
}
