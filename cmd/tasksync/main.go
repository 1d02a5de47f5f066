// Command tasksync mirrors dated tasks from a Markdown vault into calendar
// events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/baseline"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/config"
	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/scanner"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Sync dated Markdown tasks to a calendar",
	Long: `tasksync scans a folder of Markdown notes for dated tasks such as

  - [ ] Call the dentist 📅 2025-03-04 ⏰ 09:30 #personal

and mirrors each one as a calendar event. Edits flow one way, from notes
to calendar. Deletions are held for review unless safe mode is off.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, logCloser, err = logging.New(logging.Options{File: cfg.Log.File, Level: level})
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./tasksync.yaml or ~/.config/tasksync/tasksync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "review", Title: "Review:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the opened stores and the engine for one command.
type app struct {
	db     *db.DB
	client *calendar.Client
	engine *engine.Engine
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// openApp wires the engine from the loaded config.
func openApp() (*app, error) {
	database, err := db.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	client, err := calendar.NewClient(cfg.CalendarClientConfig(), logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	eng, err := engine.New(
		scanner.New(cfg.Vault, logger),
		client,
		database,
		baseline.NewStore(cfg.State.WriterPath),
		cfg.EngineConfig(),
		logger,
	)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	return &app{db: database, client: client, engine: eng}, nil
}

// mustOpenApp exits on wiring failure, the way every command reports it.
func mustOpenApp() *app {
	a, err := openApp()
	if err != nil {
		fatal("%v", err)
	}
	return a
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}

// signalContext is canceled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
