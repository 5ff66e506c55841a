//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgEdge/pgedge-dwload/internal/config"
	"github.com/pgEdge/pgedge-dwload/internal/datagen"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

var (
	seedCustomers   int
	seedProducts    int
	seedSales       int
	seedSessions    int
	seedStartDate   string
	seedEndDate     string
	seedRandomSeed  uint64
	seedAnomalyRate float64
	seedReset       bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill the operational database with demo data",
	Long: `Generate a realistic e-commerce dataset (Costa Rican geography, catalog,
customers, stores, sales and web sessions) in the source database. The
operational schema must exist; create it with 'init --with-source'.

A non-zero --anomaly-rate stores some sale totals that do not match their
lines and some web events for unknown customers, so a run reports
data-quality warnings and referential gaps.

Example:
  pgedge-dwload seed --sales 10000 --from 2025-01-01 --to 2025-06-30
  pgedge-dwload seed --reset --random-seed 42 --anomaly-rate 0.02`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVar(&seedCustomers, "customers", 0, "number of customers")
	seedCmd.Flags().IntVar(&seedProducts, "products", 0, "number of products")
	seedCmd.Flags().IntVar(&seedSales, "sales", 0, "number of sales")
	seedCmd.Flags().IntVar(&seedSessions, "sessions", 0, "number of web sessions")
	seedCmd.Flags().StringVar(&seedStartDate, "from", "", "first day of generated activity (YYYY-MM-DD)")
	seedCmd.Flags().StringVar(&seedEndDate, "to", "", "last day of generated activity (YYYY-MM-DD)")
	seedCmd.Flags().Uint64Var(&seedRandomSeed, "random-seed", 0, "seed for reproducible data (0 = random)")
	seedCmd.Flags().Float64Var(&seedAnomalyRate, "anomaly-rate", -1, "fraction of rows generated with defects")
	seedCmd.Flags().BoolVar(&seedReset, "reset", false, "truncate the operational tables first")
}

func runSeed(cmd *cobra.Command, args []string) error {
	// Override config with CLI flags
	if seedCustomers > 0 {
		cfg.Seed.Customers = seedCustomers
	}
	if seedProducts > 0 {
		cfg.Seed.Products = seedProducts
	}
	if seedSales > 0 {
		cfg.Seed.Sales = seedSales
	}
	if seedSessions > 0 {
		cfg.Seed.Sessions = seedSessions
	}
	if seedStartDate != "" {
		cfg.Seed.StartDate = seedStartDate
	}
	if seedEndDate != "" {
		cfg.Seed.EndDate = seedEndDate
	}
	if seedRandomSeed != 0 {
		cfg.Seed.RandomSeed = seedRandomSeed
	}
	if seedAnomalyRate >= 0 {
		cfg.Seed.AnomalyRate = seedAnomalyRate
	}

	if err := cfg.ValidateSeed(); err != nil {
		return &etl.ConfigurationError{Msg: "invalid seed configuration", Err: err}
	}
	opts, err := seedOptions(cfg.Seed)
	if err != nil {
		return err
	}
	opts.Reset = seedReset

	ctx := context.Background()
	src, err := connect(ctx, "source", cfg.Source, 0)
	if err != nil {
		return err
	}
	defer src.Close()

	for _, table := range schema.SourceTables {
		if err := requireTable(ctx, src, table); err != nil {
			return err
		}
	}

	start := time.Now()
	written, err := datagen.NewSeeder(opts).Seed(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to seed source: %w", err)
	}

	var total int64
	for _, table := range schema.SourceTables {
		cmd.Printf("%-16s %d\n", table, written[table])
		total += written[table]
	}
	logging.Info().
		Int64("rows", total).
		Dur("duration", time.Since(start)).
		Msg("Seeding complete")
	return nil
}

// seedOptions maps configuration onto generator options. Missing dates
// default to the 90 days up to today.
func seedOptions(c config.SeedConfig) (datagen.Options, error) {
	opts := datagen.DefaultOptions()
	opts.Customers = c.Customers
	opts.Products = c.Products
	opts.Stores = c.Stores
	opts.Sales = c.Sales
	opts.Sessions = c.Sessions
	opts.Seed = c.RandomSeed
	opts.AnomalyRate = c.AnomalyRate

	if c.StartDate != "" {
		d, err := config.ParseDate(c.StartDate)
		if err != nil {
			return opts, &etl.ConfigurationError{Msg: "invalid seed start date", Err: err}
		}
		opts.Start = d
	}
	if c.EndDate != "" {
		d, err := config.ParseDate(c.EndDate)
		if err != nil {
			return opts, &etl.ConfigurationError{Msg: "invalid seed end date", Err: err}
		}
		opts.End = d
	}
	if opts.Start.After(opts.End) {
		return opts, &etl.ConfigurationError{Msg: fmt.Sprintf("seed start %s is after end %s",
			opts.Start.Format(config.DateLayout), opts.End.Format(config.DateLayout))}
	}
	return opts, nil
}
