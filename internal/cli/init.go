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

	"github.com/spf13/cobra"

	"github.com/pgEdge/pgedge-dwload/internal/db"
	"github.com/pgEdge/pgedge-dwload/internal/etl"
	"github.com/pgEdge/pgedge-dwload/internal/logging"
	"github.com/pgEdge/pgedge-dwload/internal/schema"
)

var (
	initWithSource   bool
	initDropExisting bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the warehouse schema",
	Long: `Create the star schema, the etl_logs run log and the loader's metadata
table in the warehouse. With --with-source the operational schema is
created in the source database as well, for demos and tests.

Example:
  pgedge-dwload init --target "postgres://..."
  pgedge-dwload init --with-source --drop-existing`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initWithSource, "with-source", false,
		"also create the operational schema in the source database")
	initCmd.Flags().BoolVar(&initDropExisting, "drop-existing", false,
		"drop existing schemas before initialization")
}

func runInit(cmd *cobra.Command, args []string) error {
	if cfg.Target == "" {
		return &etl.ConfigurationError{Msg: "target connection string is required"}
	}
	if initWithSource && cfg.Source == "" {
		return &etl.ConfigurationError{Msg: "source connection string is required with --with-source"}
	}

	ctx := context.Background()

	dw, err := connect(ctx, "warehouse", cfg.Target, 0)
	if err != nil {
		return err
	}
	defer dw.Close()

	if initDropExisting {
		logging.Info().Msg("Dropping existing warehouse schema")
		if err := schema.DropWarehouse(ctx, dw); err != nil {
			return fmt.Errorf("failed to drop warehouse schema: %w", err)
		}
	} else if initialized, err := db.MetadataExists(ctx, dw); err != nil {
		return fmt.Errorf("failed to inspect warehouse: %w", err)
	} else if initialized {
		at, _, _ := db.GetMetadataValue(ctx, dw, db.KeyInitializedAt)
		logging.Info().Str("initialized_at", at).Msg("Warehouse already initialized, creating missing objects only")
	}

	logging.Info().Msg("Creating warehouse schema")
	if err := schema.CreateWarehouse(ctx, dw); err != nil {
		return fmt.Errorf("failed to create warehouse schema: %w", err)
	}
	if err := db.SaveInitMetadata(ctx, dw); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}

	if initWithSource {
		src, err := connect(ctx, "source", cfg.Source, 0)
		if err != nil {
			return err
		}
		defer src.Close()

		if initDropExisting {
			logging.Info().Msg("Dropping existing operational schema")
			if err := schema.DropSource(ctx, src); err != nil {
				return fmt.Errorf("failed to drop source schema: %w", err)
			}
		}
		logging.Info().Msg("Creating operational schema")
		if err := schema.CreateSource(ctx, src); err != nil {
			return fmt.Errorf("failed to create source schema: %w", err)
		}
	}

	logging.Info().Msg("Initialization complete")
	return nil
}
