package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/pantry/internal/engine"
	"github.com/lazypower/pantry/internal/orders"
)

func init() {
	cadenceCmd.Flags().BoolVar(&cadenceDueOnly, "due", false, "Only show items due for restock")
	cadenceCmd.Flags().StringVar(&cadenceAsOf, "as-of", "", "Evaluate as of a date (YYYY-MM-DD)")
	cadenceCmd.Flags().BoolVar(&cadenceRelearn, "relearn", false, "Relearn cadences from the purchase ledger first")

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "Maximum number of runs to list")
	runsCmd.Flags().BoolVar(&runsInsights, "insights", false, "Show statistics and learning insights")

	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "Purchases to keep per item (default memory.cleanup_keep)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pct(f *float64) string {
	if f == nil {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", *f*100)
}

// --- import command ---

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import an order export (JSON array or JSON lines)",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	parsed, err := orders.ParseFile(args[0])
	if err != nil {
		return err
	}

	var res engine.ImportResult
	err = withHousehold(func(e *engine.Engine) error {
		var err error
		res, err = e.ImportOrders(parsed.Orders)
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "imported %d orders (%d purchases) into %s\n", res.Orders, res.Purchases, householdID)
	if parsed.Skipped > 0 {
		fmt.Fprintf(out, "  skipped %d invalid orders\n", parsed.Skipped)
	}
	if res.CadenceStale {
		fmt.Fprintln(out, "  cadence update failed; run `pantry cadence --relearn` after fixing the error")
	} else {
		fmt.Fprintf(out, "  learned %d item and %d category cadences\n", res.Cadence.Items, res.Cadence.Categories)
	}
	return nil
}

// --- context command ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the household context snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHousehold(func(e *engine.Engine) error {
			hc, err := e.BuildContext()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), hc)
		})
	},
}

// --- cadence command ---

var (
	cadenceDueOnly bool
	cadenceAsOf    string
	cadenceRelearn bool
)

var cadenceCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Show learned restock cadence per item",
	RunE:  runCadence,
}

func runCadence(cmd *cobra.Command, args []string) error {
	var asOf time.Time
	if cadenceAsOf != "" {
		t, err := time.Parse(time.DateOnly, cadenceAsOf)
		if err != nil {
			return fmt.Errorf("--as-of must be YYYY-MM-DD")
		}
		asOf = t
	}

	return withHousehold(func(e *engine.Engine) error {
		out := cmd.OutOrStdout()
		if cadenceRelearn {
			learned, err := e.RelearnCadence()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "relearned %d item and %d category cadences\n", learned.Items, learned.Categories)
		}

		if asOf.IsZero() {
			asOf = e.Now()
		}
		items, err := e.RestockCandidates(asOf)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Fprintln(out, "No purchases recorded. Import some orders first.")
			return nil
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ITEM\tEVERY\tCONFIDENCE\tSOURCE\tSINCE LAST\tDUE")
		for _, it := range items {
			if cadenceDueOnly && !it.Due {
				continue
			}
			every, since := "-", "-"
			if it.Cadence.TypicalRestockDays > 0 {
				every = fmt.Sprintf("%.1fd", it.Cadence.TypicalRestockDays)
			}
			if it.DaysSinceLastPurchase != nil {
				since = fmt.Sprintf("%.1fd", *it.DaysSinceLastPurchase)
			}
			due := ""
			if it.Due {
				due = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
				it.Item.Name, every, it.Cadence.Confidence, it.Cadence.Source, since, due)
		}
		return tw.Flush()
	})
}

// --- patterns command ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show substitution patterns and tolerances",
	RunE:  runPatterns,
}

func runPatterns(cmd *cobra.Command, args []string) error {
	return withHousehold(func(e *engine.Engine) error {
		subs := e.Household.Substitutions
		patterns, err := subs.GetSubstitutionPatterns()
		if err != nil {
			return err
		}
		brands, err := subs.GetBrandToleranceScores()
		if err != nil {
			return err
		}
		price, err := subs.GetPriceDeltaTolerance()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(patterns) == 0 {
			fmt.Fprintln(out, "No substitutions recorded.")
			return nil
		}

		fmt.Fprintln(out, "## Substitutions")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ORIGINAL\tSUBSTITUTE\tACCEPTED\tREJECTED\tRATE")
		for _, p := range patterns {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.0f%%\n", p.OriginalItem, p.SubstituteItem, p.TimesAccepted, p.TimesRejected, p.AcceptanceRate*100)
		}
		tw.Flush()

		if len(brands) > 0 {
			fmt.Fprintln(out, "\n## Brands")
			for _, b := range brands {
				fmt.Fprintf(out, "- %s: %.0f%% of %d accepted\n", b.Brand, b.AcceptanceRate*100, b.SampleSize)
			}
		}

		fmt.Fprintln(out, "\n## Price")
		if price.MaxAcceptedPercent != nil {
			fmt.Fprintf(out, "- accepted up to %+.0f%%\n", *price.MaxAcceptedPercent)
		}
		if price.AverageAcceptedDelta != nil {
			fmt.Fprintf(out, "- average accepted delta %+.2f over %d\n", *price.AverageAcceptedDelta, price.AcceptedSamples)
		}
		if price.AverageRejectedDelta != nil {
			fmt.Fprintf(out, "- average rejected delta %+.2f over %d\n", *price.AverageRejectedDelta, price.RejectedSamples)
		}
		return nil
	})
}

// --- runs command ---

var (
	runsLimit    int
	runsInsights bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List planning runs",
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	return withHousehold(func(e *engine.Engine) error {
		ep := e.Household.Episodes
		runs, err := ep.ListRuns()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No runs recorded.")
			return nil
		}
		if runsLimit > 0 && len(runs) > runsLimit {
			runs = runs[:runsLimit]
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tPHASE\tOUTCOME\tADDED\tREMOVED\tSUBS")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				r.RunID, r.StartedAt.Format("2006-01-02 15:04"), r.FinalPhase, r.Outcome,
				r.ItemsAdded, r.ItemsRemoved, r.SubstitutionsMade)
		}
		tw.Flush()

		if !runsInsights {
			return nil
		}

		stats, err := ep.GetStatistics()
		if err != nil {
			return err
		}
		insights, err := ep.GetLearningInsights()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n## Statistics\n%d runs, %d completed, success %s, substitutions accepted %s\n",
			stats.TotalRuns, stats.CompletedRuns, pct(stats.SuccessRate), pct(stats.SubstitutionAcceptanceRate))
		if len(insights.Recommendations) > 0 {
			fmt.Fprintln(out, "\n## Recommendations")
			for _, rec := range insights.Recommendations {
				fmt.Fprintf(out, "- %s\n", rec)
			}
		}
		return nil
	})
}

// --- cleanup command ---

var cleanupKeep int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Trim old purchase history and relearn cadence",
	RunE: func(cmd *cobra.Command, args []string) error {
		keep := cleanupKeep
		if keep == 0 {
			keep = cfg.Memory.CleanupKeep
		}
		return withHousehold(func(e *engine.Engine) error {
			removed, err := e.Household.Signals.CleanupOldPurchases(keep)
			if err != nil {
				return err
			}
			learned, err := e.RelearnCadence()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "removed %d purchases (keeping %d per item)\n", removed, keep)
			fmt.Fprintf(out, "relearned %d item and %d category cadences\n", learned.Items, learned.Categories)
			return nil
		})
	},
}
