package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/riteshkumar/credit-ledger/internal/models"
	"github.com/riteshkumar/credit-ledger/internal/repository"
	"github.com/riteshkumar/credit-ledger/internal/service"
)

var errDriftDetected = errors.New("ledger drift detected")

func reconcileCmd() *cobra.Command {
	var all, asJSON bool

	cmd := &cobra.Command{
		Use:   "reconcile [account-id...]",
		Short: "Compare ledger sums with stored balances",
		Long: `Replay each account's ledger entries and compare the running sum with
its stored balance. Exits non-zero when any account has drifted.

Examples:
  creditctl reconcile acct_123 acct_456
  creditctl reconcile --all --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("pass account ids or --all")
			}

			ctx := cmd.Context()
			_, db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			store := repository.NewLedgerStore(db,
				repository.NewAccountRepository(db),
				repository.NewLedgerRepository(db))
			credits := service.NewCreditService(store, newLogger())

			ids := args
			if all {
				ids, err = store.ListAccountIDs(ctx)
				if err != nil {
					return err
				}
			}

			drifted := 0
			reports := make([]*models.ReconciliationReport, 0, len(ids))
			for _, id := range ids {
				report, err := credits.Reconcile(ctx, id)
				if err != nil {
					return fmt.Errorf("reconcile %s: %w", id, err)
				}
				if !report.Consistent {
					drifted++
				}
				reports = append(reports, report)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					state := "ok"
					if !r.Consistent {
						state = fmt.Sprintf("DRIFT (first bad seq %d)", r.FirstDriftSequence)
					}
					fmt.Fprintf(out, "%s\tbalance=%d\tledger=%d\tentries=%d\t%s\n",
						r.AccountID, r.CreditsRemaining, r.LedgerSum, r.EntryCount, state)
				}
			}

			if drifted > 0 {
				return fmt.Errorf("%w in %d of %d accounts", errDriftDetected, drifted, len(reports))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "reconcile every account")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}
