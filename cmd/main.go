package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cron-keeper/automation"
	"cron-keeper/config"
	"cron-keeper/db"
	"cron-keeper/events"
	"cron-keeper/handlers"
	"cron-keeper/keeper"
	"cron-keeper/logger"
	"cron-keeper/repository"
	"cron-keeper/routers"
	"cron-keeper/sequencer"
)

var Version = "dev"

func main() {
	var rootCmd = &cobra.Command{
		Use:   "keeperd",
		Short: "Round-robin job keeper with a self-funding treasury",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var configPath string
	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the keeper HTTP service against the sandbox chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "config/config.yaml", "path to the configuration file")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting keeper...", zap.String("version", Version), zap.String("network", cfg.Keeper.Network))

	// Connect to LevelDB
	var ldb *db.LevelDB
	if cfg.LevelDB.Path == "" {
		ldb, err = db.NewMemLevelDB()
	} else {
		ldb, err = db.NewLevelDB(cfg.LevelDB.Path)
	}
	if err != nil {
		return fmt.Errorf("open leveldb: %w", err)
	}
	defer ldb.Close()
	repo := repository.NewRepository(ldb)

	seq, err := sequencer.NewSequencer(repo, cfg.Keeper.DefaultWindow)
	if err != nil {
		return err
	}
	if err := seedNetworks(seq, cfg.Keeper); err != nil {
		return err
	}

	sb, err := newSandbox(ctx, cfg, repo)
	if err != nil {
		return err
	}

	k, err := keeper.New(keeper.Config{
		Network:   cfg.Keeper.Network,
		Sequencer: seq,
		Jobs:      sb.jobs,
		Refiller:  sb.engine,
		Clock:     sb.chain,
		Journal:   sb.chain,
		Events:    events.NewStore(repo),
	})
	if err != nil {
		return err
	}

	fee, err := config.Amount("sandbox.perform_fee", cfg.Sandbox.PerformFee)
	if err != nil {
		return err
	}
	runner, err := automation.NewRunner(k, sb.chain, automation.Config{
		Interval:      cfg.Sandbox.Interval,
		BlocksPerTick: cfg.Sandbox.BlocksPerTick,
		UpkeepID:      sb.engine.Params().UpkeepID,
		Fee:           fee,
	})
	if err != nil {
		return err
	}

	h := handlers.NewHandler(handlers.Handler{
		Upkeep:   k,
		Rotation: seq,
		Jobs:     sb.jobs,
		Treasury: sb.engine,
		Events:   repo,
		Clock:    sb.chain,
		Decimals: cfg.Sandbox.Decimals,
	})
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h, cfg.Server.AdminToken)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runner.Run(ctx)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))

	<-ctx.Done()
	logger.Logger.Info("Shutdown signal received, exiting...", zap.Any("stats", runner.Stats()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seedNetworks installs the configured rotation on first start; a stored
// rotation is left untouched.
func seedNetworks(seq *sequencer.Sequencer, cfg config.KeeperConfig) error {
	if len(seq.Networks()) > 0 {
		return nil
	}
	for _, n := range cfg.Networks {
		var err error
		if n.Window == 0 {
			err = seq.AddNetworkDefault(n.Name)
		} else {
			err = seq.AddNetwork(n.Name, n.Window)
		}
		if err != nil {
			return fmt.Errorf("seed network %q: %w", n.Name, err)
		}
	}
	return nil
}
