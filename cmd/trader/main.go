package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/autotrader/api"
	"github.com/gregtusar/autotrader/internal/config"
	"github.com/gregtusar/autotrader/pkg/decision"
	"github.com/gregtusar/autotrader/pkg/id"
	"github.com/gregtusar/autotrader/pkg/journal"
	"github.com/gregtusar/autotrader/pkg/manager"
	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/models"
	"github.com/gregtusar/autotrader/pkg/reasoning"
	"github.com/gregtusar/autotrader/pkg/secrets"
	"github.com/gregtusar/autotrader/pkg/trader"
	"github.com/gregtusar/autotrader/pkg/venue"
)

var (
	cfgFile string
	envFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autotrader",
		Short: "Simulated autotrading agents",
		Long:  `Runs reasoning-driven trading agents against a simulated market and brokerage, recording every decision for audit and replay`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
		Run: runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the market, the traders and the API",
			Run:   runTrader,
		},
		newConfigCmd(),
		newReplayCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	l := logrus.New()
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return l, nil
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger, err = setupLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	return cfg
}

func runTrader(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	traders, configErrors := cfg.ValidTraders()
	for traderID, err := range configErrors {
		logger.WithError(err).WithField("trader_id", traderID).Error("Invalid trader configuration")
	}
	if len(traders) == 0 {
		logger.Fatal("No valid traders configured")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simCfg, err := cfg.Market.Simulator()
	if err != nil {
		logger.WithError(err).Fatal("Invalid market configuration")
	}
	sim, err := market.NewSimulator(simCfg, config.Symbols(traders))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create market simulator")
	}
	clock := market.NewClockDriver(sim, cfg.Market.ClockPoll, cfg.Market.ClockSpeed, logger)
	// Order ids must stay unique across restarts that replay the same market.
	broker := venue.New(sim, cfg.Venue, logger).WithIDGenerator(id.NewGenerator(0))

	decisions, err := journal.Open(cfg.Journal)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open decision journal")
	}
	defer decisions.Close()

	resolver := secrets.NewResolver(cfg.GCP, logger)
	defer resolver.Close()
	limiter := reasoning.NewLimiter(cfg.Reasoning.Config)

	newDecider := func(t models.TraderConfig) (trader.Decider, error) {
		rcfg := cfg.Reasoning.Config
		rcfg.Model = t.Model
		var credential string
		if rcfg.Provider != reasoning.ProviderOffline {
			var err error
			if credential, err = resolver.Resolve(ctx, t.CredentialsRef); err != nil {
				return nil, fmt.Errorf("trader %s credentials: %w", t.ID, err)
			}
		}
		reasoner, err := reasoning.New(rcfg, credential, limiter, logger)
		if err != nil {
			return nil, err
		}
		return decision.NewPipeline(reasoner, cfg.Decision, logger), nil
	}

	freshness := 5 * time.Second
	if 2*cfg.Market.ClockPoll > freshness {
		freshness = 2 * cfg.Market.ClockPoll
	}

	mgr := manager.New(manager.Deps{
		Clock:  clock,
		Market: sim,
		Trader: trader.Deps{
			Market:  sim,
			Venue:   broker,
			Journal: decisions,
			IDs:     id.NewGenerator(0),
			Logger:  logger,
		},
		NewDecider: newDecider,
		Freshness:  freshness,
		Logger:     logger,
	}, traders, configErrors)

	report := mgr.StartAll(ctx)
	if len(report.Started) == 0 {
		mgr.StopAll()
		logger.WithField("errors", report.Errors()).Fatal("No trader could be started")
	}
	if !report.OK() {
		logger.WithField("errors", report.Errors()).Warn("Some traders failed to start")
	}

	var apiServer *api.Server
	if cfg.Server.Port > 0 {
		apiServer = api.NewServer(mgr, logger, strconv.Itoa(cfg.Server.Port), cfg.Server.StatusInterval)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.WithError(err).Fatal("Failed to start API server")
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("traders", report.Started).Info("Autotrader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	// Graceful shutdown
	mgr.StopAll()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown")
		}
		shutdownCancel()
	}
	cancel()

	logger.Info("Autotrader stopped")
}

func newConfigCmd() *cobra.Command {
	var force bool

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report invalid traders",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			traders, invalid := cfg.ValidTraders()
			out := cmd.OutOrStdout()
			for _, t := range traders {
				fmt.Fprintf(out, "ok       %s (%d symbols, every %s)\n", t.ID, len(t.Universe), t.ScanInterval)
			}
			for traderID, err := range invalid {
				fmt.Fprintf(out, "invalid  %s: %v\n", traderID, err)
			}
			if len(invalid) > 0 {
				return fmt.Errorf("%d invalid trader(s)", len(invalid))
			}
			return nil
		},
	}

	configCmd.AddCommand(initCmd, validateCmd)
	return configCmd
}

func newReplayCmd() *cobra.Command {
	var (
		traderID       string
		initialBalance float64
		csvPath        string
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a trader's account from its decision log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			if initialBalance <= 0 {
				initialBalance = cfg.Defaults.InitialBalance
				traders, _ := cfg.ValidTraders()
				for _, t := range traders {
					if t.ID == traderID {
						initialBalance = t.InitialBalance
					}
				}
			}

			j, err := journal.Open(cfg.Journal)
			if err != nil {
				return err
			}
			defer j.Close()

			records, err := j.All(traderID)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no decisions recorded for %s", traderID)
			}
			res, err := journal.Replay(records, initialBalance)
			if err != nil {
				return err
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if err := out.Encode(map[string]interface{}{
				"account":    res.Account(initialBalance),
				"statistics": journal.ComputeStatistics(traderID, records),
			}); err != nil {
				return err
			}

			if csvPath != "" {
				f, err := os.Create(csvPath)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := journal.ExportFillsCSV(f, res.Fills); err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{
					"path":  csvPath,
					"fills": len(res.Fills),
				}).Info("Exported fills")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&traderID, "trader", "", "trader id to replay")
	cmd.Flags().Float64Var(&initialBalance, "initial-balance", 0, "starting cash (default from config)")
	cmd.Flags().StringVar(&csvPath, "csv", "", "write the replayed fills to this CSV file")
	_ = cmd.MarkFlagRequired("trader")
	return cmd
}
