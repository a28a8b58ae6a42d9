package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"mlmledger/internal/service"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var closeCmd = &cobra.Command{
	Use:   "close <period> <MONTHLY|QUARTERLY>",
	Short: "Run the closing of one period",
	Long: `Runs a closing in the foreground. Periods are YYYY-MM for MONTHLY and YYYY-Qn for
QUARTERLY. Re-running a completed closing is a no-op; a failed one is retried.
Interrupting the command cancels the run and marks it FAILED.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		run, err := a.svc.Closing.Close(ctx, args[0], strings.ToUpper(args[1]), "cli")
		if run != nil {
			log.Info().
				Str("section", "closing").
				Str("run_no", run.RunNo).
				Str("state", run.State).
				Int("attempt", run.Attempt).
				Int("applied", run.EventsApplied).
				Int("skipped", run.EventsSkipped).
				Int("failed", run.EventsFailed).
				Int("promotions", run.Promotions).
				Int64("total_paid", run.TotalPaid).
				Msg("Closing finished")
		}
		var partial *service.PartialBatchFailure
		if errors.As(err, &partial) {
			log.Warn().Str("section", "closing").Strs("failed_event_ids", partial.FailedEventIDs).Msg("Rerun the closing after fixing the failed events")
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(closeCmd)
}
