package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"mlmledger/internal/handler"
	"mlmledger/internal/infrastructure/database"
	"mlmledger/internal/infrastructure/mq"
	"mlmledger/internal/job"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if migrateOnStart {
			if err := database.Migrate(a.db); err != nil {
				return err
			}
		}

		var publisher mq.Publisher
		if cfg.Kafka.Enabled {
			kp, err := mq.InitKafka(&cfg.Kafka)
			if err != nil {
				return err
			}
			publisher = kp
			defer func() {
				if err := kp.Close(); err != nil {
					log.Warn().Err(err).Str("section", "kafka").Msg("close producer")
				}
			}()
		} else {
			log.Warn().Str("section", "init").Msg("Kafka disabled, outbox messages stay pending")
		}

		if publisher != nil {
			sender := job.NewOutboxSender(a.db, cfg, publisher)
			go sender.Start(ctx)
		}

		staleJob := job.NewStaleEventJob(a.svc.Payout, cfg)
		go staleJob.Start(ctx)

		if cfg.Closing.SchedulerEnabled {
			scheduler, err := job.NewClosingScheduler(ctx, a.svc.Closing, cfg)
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()
		}

		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: handler.SetupRouter(a.svc),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("section", "init").Int("port", cfg.Server.Port).Msg("Listening for requests")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info().Str("section", "shutdown").Str("signal", sig.String()).Msg("Shutting down")
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("section", "shutdown").Msg("HTTP server shutdown")
		}
		log.Info().Str("section", "shutdown").Msg("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "run schema migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
