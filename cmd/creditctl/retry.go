package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/riteshkumar/credit-ledger/internal/repository"
	"github.com/riteshkumar/credit-ledger/internal/service"
	"github.com/riteshkumar/credit-ledger/internal/webhook"
)

func retryEventsCmd() *cobra.Command {
	var eventID string
	var force bool

	cmd := &cobra.Command{
		Use:   "retry-events",
		Short: "Re-apply pending webhook events",
		Long: `Run one sweep over pending webhook events, or retry a single event.
Events already applied, ignored or failed are reported and left unchanged.
With --force, a single failed event is reset to pending and applied again,
for use once the cause of the failure has been fixed.

Examples:
  creditctl retry-events
  creditctl retry-events --event evt_123
  creditctl retry-events --event evt_123 --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if force && eventID == "" {
				return fmt.Errorf("--force requires --event")
			}
			ctx := cmd.Context()
			cfg, db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := newLogger()
			store := repository.NewLedgerStore(db,
				repository.NewAccountRepository(db),
				repository.NewLedgerRepository(db))
			events := repository.NewWebhookEventRepository(db)

			var queue webhook.RetryQueue
			if cfg.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				})
				defer rdb.Close()
				queue = webhook.NewRedisRetryQueue(rdb, cfg.RetryQueueKey)
			}

			processor := webhook.NewProcessor(webhook.ProcessorConfig{
				Verifier:     webhook.NewVerifier(cfg.WebhookSigningSecret, cfg.WebhookTolerance),
				Events:       events,
				Credits:      service.NewCreditService(store, logger),
				Queue:        queue,
				ApplyTimeout: cfg.WebhookApplyTimeout,
				Logger:       logger,
			})
			retrier := webhook.NewRetrier(processor, events, queue, webhook.RetrierConfig{
				MaxAttempts: cfg.RetryMaxAttempts,
				// Manual runs look at everything pending, however recent.
				StaleAfter: -1,
			}, logger)

			return runRetry(ctx, cmd, retrier, eventID, force)
		},
	}

	cmd.Flags().StringVar(&eventID, "event", "", "retry only this event id")
	cmd.Flags().BoolVar(&force, "force", false, "reset a failed event before retrying it")
	return cmd
}

func runRetry(ctx context.Context, cmd *cobra.Command, retrier *webhook.Retrier, eventID string, force bool) error {
	out := cmd.OutOrStdout()

	if eventID != "" {
		retry := retrier.RetryEvent
		if force {
			retry = retrier.ForceRetryEvent
		}
		result, err := retry(ctx, eventID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", result.EventID, result.Outcome, result.Message)
		return nil
	}

	results, err := retrier.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, result := range results {
		fmt.Fprintf(out, "%s\t%s\t%s\n", result.EventID, result.Outcome, result.Message)
	}
	fmt.Fprintf(out, "%d event(s) retried\n", len(results))
	return nil
}
