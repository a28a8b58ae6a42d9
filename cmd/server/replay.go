package main

import (
	"context"
	"fmt"
	"strconv"

	"mlmledger/internal/service"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var repairBalances bool

var replayCmd = &cobra.Command{
	Use:   "replay [accountId]",
	Short: "Recompute balances from the ledger and compare them with the cached ones",
	Long: `Folds the ledger entries of one account, or of every account when no id is given,
and reports cached balances that drifted. --repair overwrites the cache.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("account id: %w", err)
			}
			check := a.svc.Balance.Replay
			if repairBalances {
				check = a.svc.Balance.Rebuild
			}
			report, err := check(ctx, id)
			if err != nil {
				return err
			}
			logReport(report)
			return nil
		}

		drifted, err := a.svc.Balance.ReplayAll(ctx, repairBalances)
		if err != nil {
			return err
		}
		for _, report := range drifted {
			logReport(report)
		}
		log.Info().Str("section", "replay").Int("drifted", len(drifted)).Bool("repaired", repairBalances).Msg("Replay finished")
		return nil
	},
}

func logReport(r *service.ReplayReport) {
	ev := log.Info()
	if !r.Consistent {
		ev = log.Warn()
	}
	ev.Str("section", "replay").
		Int64("account_id", r.AccountID).
		Int64("entries", r.Entries).
		Int64("replayed", r.Replayed).
		Int64("cached", r.Cached).
		Int64("last_seq", r.LastSeq).
		Int64("cached_last_seq", r.CachedLastSeq).
		Bool("consistent", r.Consistent).
		Bool("repaired", r.Repaired).
		Msg("Account replayed")
}

func init() {
	replayCmd.Flags().BoolVar(&repairBalances, "repair", false, "overwrite drifted cached balances")
	rootCmd.AddCommand(replayCmd)
}
