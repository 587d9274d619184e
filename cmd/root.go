package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/persona/internal/config"
	"github.com/andresmejia3/persona/internal/logger"
	"github.com/andresmejia3/persona/internal/registry"
	"github.com/andresmejia3/persona/internal/store"
	"github.com/andresmejia3/persona/internal/utils"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the configuration resolved before any subcommand runs
	Cfg *config.Config
	// DB is the database connection, opened only by commands that need it
	DB *store.Store

	configPath  string
	profilesDir string
	dbURL       string
	logLevel    string

	logCloser io.Closer
)

// Version is the application version.
const Version = "0.1.0"

var errNoDatabase = errors.New("no database configured: pass --db or set DATABASE_URL / POSTGRES_HOST")

var rootCmd = &cobra.Command{
	Use:     "persona",
	Short:   "Face profile registry and identity-aware video cropping",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Flags beat every other source
		if profilesDir != "" {
			cfg.Profiles.Dir = profilesDir
		}
		if dbURL != "" {
			cfg.DB.URL = dbURL
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		Cfg = cfg
		logCloser = logger.Init(cfg.Log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML config file (default: "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVarP(&profilesDir, "profiles", "p", "", "Directory holding the profile records")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the profile mirror")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// connectDB opens the profile mirror on first use.
func connectDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	if Cfg == nil || Cfg.DB.URL == "" {
		return nil, errNoDatabase
	}
	s, err := store.New(ctx, Cfg.DB.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}

// loadRegistry reads the configured profiles directory. With allowMissing set, a directory
// that does not exist yet yields an empty registry bound to that directory.
func loadRegistry(allowMissing bool) (*registry.Manager, error) {
	m, err := registry.New()
	if err != nil {
		return nil, err
	}
	err = m.LoadDirectory(Cfg.Profiles.Dir)
	if err == nil {
		return m, nil
	}
	if allowMissing && errors.Is(err, registry.ErrDirectoryNotFound) {
		if _, err := m.SaveDirectory(Cfg.Profiles.Dir, true); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, err
}

// fail reports err in the error box and hands it back for RunE.
func fail(msg string, err error) error {
	utils.ShowError(msg, err, nil)
	return err
}
