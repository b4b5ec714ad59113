package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/apidb"
	"github.com/wegman-software/mapdb-go/internal/config"
	"github.com/wegman-software/mapdb-go/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "mapdb",
	Short: "Versioned OSM map store on PostgreSQL",
	Long: `mapdb keeps many independent OSM maps in one PostgreSQL database.

Each map gets its own element tables and id sequences, every write is
attributed to a changeset, and writes are batched with COPY inside a
single transaction per session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd.Flags()); err != nil {
			return err
		}
		logger.Init(logger.Options{Debug: cfg.Verbose, LogFile: cfg.LogFile})
		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML config file; flags override its values")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")

	// Logging and metrics flags
	flags.StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for progress logging (e.g., 10s, 1m)")

	// Database flags
	flags.StringVar(&cfg.DSN, "dsn", "", "PostgreSQL connection string; overrides the --db-* flags")
	flags.StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	flags.IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	flags.StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	flags.StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	flags.StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	flags.StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")

	// Write flags
	flags.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Rows buffered per table before a COPY")
	flags.IntVar(&cfg.ReserveBlockSize, "reserve-block", cfg.ReserveBlockSize, "Ids fetched per sequence round trip")
}

// loadConfig reads the config file, if any, then re-applies the flags the
// user set explicitly so they win over the file
func loadConfig(flags *pflag.FlagSet) error {
	if configFile == "" {
		return nil
	}
	loaded, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// flag values live in cfg, so remember them before the file replaces it
	explicit := make(map[*pflag.Flag]string)
	flags.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			explicit[f] = f.Value.String()
		}
	})

	*cfg = *loaded
	for f, v := range explicit {
		if err := f.Value.Set(v); err != nil {
			return fmt.Errorf("invalid --%s: %w", f.Name, err)
		}
	}
	return nil
}

// withSession opens a session for the duration of fn. The context is
// cancelled on SIGINT or SIGTERM.
func withSession(open func(context.Context, *config.Config) (*apidb.Session, error), fn func(ctx context.Context, s *apidb.Session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := open(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := fn(ctx, s)
	if err := s.Close(context.Background()); err != nil {
		if runErr == nil {
			return err
		}
		logError("Failed to close database session", err)
	}
	return runErr
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func logError(msg string, err error) {
	logger.Get().Error(msg, zap.Error(err))
}
