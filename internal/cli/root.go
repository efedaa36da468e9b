package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/spiral/internal/config"
	"github.com/lazypower/spiral/internal/embed"
	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/logging"
	"github.com/lazypower/spiral/internal/store"
)

var (
	configPath string
	dataDir    string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spiral",
	Short: "Tiered semantic memory with relevance decay",
	Long: `Spiral stores memories in five relevance tiers. New memories start in Focus,
drift outward as they go unused and come back when they are recalled again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.Store.DataDir = dataDir
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "spiral.yaml", "config file (missing is fine)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ./.spiral)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(linkCmd)
}

// openEngine opens the configured store and embedder. Background evolution
// only runs when scheduled is set; one-shot commands leave it off.
func openEngine(ctx context.Context, scheduled bool) (*engine.Engine, error) {
	dbPath, err := cfg.DBPath(store.DefaultFileName)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(dbPath, logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	emb, err := embed.New(ctx, cfg.Embedding, logger.Named("embed"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}

	halfLife, err := cfg.HalfLife()
	if err != nil {
		db.Close()
		return nil, err
	}

	schedule := ""
	if scheduled {
		schedule = cfg.Evolution.Schedule
	}

	e, err := engine.New(db, emb,
		engine.WithLogger(logger.Named("engine")),
		engine.WithRetention(cfg.Store.Retention),
		engine.WithHalfLife(halfLife),
		engine.WithDecayFloor(cfg.Evolution.DecayFloor),
		engine.WithSchedule(schedule),
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}
