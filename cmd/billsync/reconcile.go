package billsync

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kamilpajak/billsync/internal/billing"
	"github.com/kamilpajak/billsync/internal/logger"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <user-id>...",
	Short: "Pull users' subscriptions and invoices from Stripe",
	Long: `Fetches each user's subscription and recent invoices from Stripe and
applies them through the same conditional writes as webhooks. Use it to repair
drift after a webhook outage; newer webhook state is never overwritten.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateFields("DatabaseURL", "StripeSecretKey", "LogLevel", "ProviderTimeout", "PlanCatalogPath"); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	db, err := connectDB(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	svc, err := newService(cfg, db, log, nil)
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	interactive := isTerminal(stderr)
	var failed int
	for _, userID := range args {
		var s *spinner.Spinner
		if interactive {
			s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(stderr))
			s.Suffix = " Reconciling " + userID
			s.Start()
		}
		res, err := svc.Reconcile(ctx, userID)
		if s != nil {
			s.Stop()
		}
		if err != nil {
			failed++
			_, _ = color.New(color.FgRed).Fprintf(stderr, "%s: %v\n", userID, err)
			continue
		}
		printReconcileResult(cmd.OutOrStdout(), res)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d users failed to reconcile", failed, len(args))
	}
	return nil
}

func printReconcileResult(w io.Writer, r *billing.ReconcileResult) {
	outcome := color.New(color.FgGreen)
	switch r.Outcome {
	case billing.OutcomeStale, billing.OutcomeNoop:
		outcome = color.New(color.FgHiBlack)
	case billing.OutcomeUnknownPlan, billing.OutcomeCustomerConflict, billing.OutcomeUnattributed:
		outcome = color.New(color.FgYellow)
	}

	fmt.Fprintf(w, "%s  ", r.UserID)
	_, _ = outcome.Fprint(w, r.Outcome)
	if r.SubscriptionID != "" {
		fmt.Fprintf(w, "  subscription=%s", r.SubscriptionID)
	}
	fmt.Fprintf(w, "  invoices=%d/%d\n", r.InvoicesInserted, r.InvoicesFetched)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
