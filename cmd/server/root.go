package main

import (
	"fmt"
	"os"

	"mlmledger/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mlmledger",
	Short: "Compensation ledger and cycle-closing engine",
	Long: `Keeps the append-only commission ledger of a multi-level network: cycle payouts,
withdrawals, career rewards and the monthly and quarterly closings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadConfig(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		customizeLogger(cmd)
		if viper.ConfigFileUsed() != "" {
			log.Debug().Str("section", "init").Str("path", viper.ConfigFileUsed()).Msg("Configuration file loaded")
		}
		return nil
	},
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MLM_ environment variables override it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "logging level (debug|info|warn|error), overrides log.level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json|pretty), overrides log.format")
}

// customizeLogger applies the flags first and the config second.
func customizeLogger(cmd *cobra.Command) {
	level := cfg.Log.Level
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	format := cfg.Log.Format
	if cmd.Flags().Changed("log-format") {
		format = logFormat
	}

	if format == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
