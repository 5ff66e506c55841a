//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package cli implements the command-line interface for pgedge-dwload.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pgEdge/pgedge-dwload/internal/config"
	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/pkg/version"
)

// Exit codes
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

var (
	// Global flags
	cfgFile  string
	source   string
	target   string
	logLevel string
	logJSON  bool

	// Global config
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "pgedge-dwload",
		Short: "Dimensional warehouse loader for the e-commerce store",
		Long: `pgedge-dwload loads the operational e-commerce database (customers,
products, stores, sales and web activity) into a star-schema warehouse.

A run regenerates the calendar, upserts every dimension while keeping
surrogate keys stable, and refreshes the sales, web behaviour and search
facts for a date window. Each step runs in its own transaction and is
recorded in the warehouse's etl_logs table; a failing step only skips the
steps that depend on it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a command error to the process exit status. Runs that
// finished with failed steps still exit 0; only a FAILED run, an
// invalid invocation or an interruption do not.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFailed
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./pgedge-dwload.yaml)")
	rootCmd.PersistentFlags().StringVar(&source, "source", "",
		"operational (OLTP) database connection string")
	rootCmd.PersistentFlags().StringVar(&target, "target", "",
		"warehouse connection string")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false,
		"log JSON lines instead of console output")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(stepsCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logsCmd)
}

func initConfig() error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return &etl.ConfigurationError{Msg: "cannot load configuration", Err: err}
	}

	// Override with CLI flags
	if source != "" {
		cfg.Source = source
	}
	if target != "" {
		cfg.Target = target
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logJSON {
		cfg.LogJSON = true
	}

	// Reinitialize logger with config
	logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: !cfg.LogJSON,
	})

	return nil
}

// connect opens a pool to one store, reporting failures as
// ConnectionError. maxConns of zero keeps the pool default.
func connect(ctx context.Context, role, connString string, maxConns int32) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error
	if maxConns > 0 {
		pool, err = db.ConnectWithMaxConns(ctx, role, connString, cfg.Run.ConnectTimeoutDuration(), maxConns)
	} else {
		pool, err = db.Connect(ctx, role, connString, cfg.Run.ConnectTimeoutDuration())
	}
	if err != nil {
		return nil, &etl.ConnectionError{Role: role, Err: err}
	}
	return pool, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.Info())
	},
}

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "List the load steps and their dependencies",
	Long: `List every step of a run in execution order, with the table it loads,
its phase and the steps it waits for.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := etl.DefaultSteps()
		order, err := etl.TopoOrder(steps)
		if err != nil {
			return err
		}
		byName := make(map[string]etl.Step, len(steps))
		for _, s := range steps {
			byName[s.Name] = s
		}

		cmd.Printf("%-32s %-26s %-10s %s\n", "STEP", "TABLE", "PHASE", "DEPENDS ON")
		for _, name := range order {
			s := byName[name]
			deps := "-"
			if len(s.DependsOn) > 0 {
				deps = strings.Join(s.DependsOn, ", ")
			}
			cmd.Printf("%-32s %-26s %-10s %s\n", s.Name, s.Table, s.Phase, deps)
		}
		return nil
	},
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
