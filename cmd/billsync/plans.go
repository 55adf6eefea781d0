package billsync

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/kamilpajak/billsync/internal/billing"
)

var (
	plansFile string
	plansJSON bool
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Validate and print the plan catalog",
	Long: `Loads the plan catalog (--file, PLAN_CATALOG_PATH or the built-in
catalog), validates it and prints each tier with its Stripe price and limits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := plansFile
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.PlanCatalogPath
		}

		catalog, err := billing.LoadCatalog(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if plansJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(catalog.Plans())
		}

		if !isTerminal(out) {
			color.NoColor = true
		}
		printPlans(out, catalog.Plans())
		return nil
	},
}

func init() {
	plansCmd.Flags().StringVarP(&plansFile, "file", "f", "", "Plan catalog YAML file")
	plansCmd.Flags().BoolVar(&plansJSON, "json", false, "Output as JSON")
}

func printPlans(w io.Writer, plans []billing.Plan) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	for i, p := range plans {
		if i > 0 {
			fmt.Fprintln(w)
		}
		_, _ = bold.Fprintf(w, "%s", strings.ToUpper(p.Tier))
		if p.Name != "" {
			_, _ = dim.Fprintf(w, "  %s", p.Name)
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "  price:  %s ", p.PriceID)
		_, _ = green.Fprintf(w, "%s %s/month\n", p.MonthlyPrice.StringFixed(2), strings.ToUpper(p.Currency))

		features := lo.Keys(p.FeatureLimits)
		sort.Strings(features)
		for _, f := range features {
			fmt.Fprintf(w, "  %-20s %s\n", f, formatLimit(p.FeatureLimits[f]))
		}
	}
}

func formatLimit(limit int) string {
	if limit == billing.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}
