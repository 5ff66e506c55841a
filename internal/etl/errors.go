//-------------------------------------------------------------------------
//
// pgEdge Warehouse Loader
//
// Portions copyright (c) 2025 - 2026, pgEdge, Inc.
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

package etl

import (
	"errors"
	"fmt"
)

// ErrDependencyFailed marks a step skipped because a prerequisite errored.
var ErrDependencyFailed = errors.New("dependency failed")

// ErrRunCancelled marks a step that never started because the run was
// cancelled.
var ErrRunCancelled = errors.New("run cancelled")

// ConfigurationError reports invalid configuration. It is fatal and
// raised before any step runs.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConnectionError reports that a store could not be reached. It is fatal
// for the run.
type ConnectionError struct {
	Role string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Role, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReferentialGapError reports a source row whose reference cannot be
// resolved against an already-loaded dimension. The row is skipped and
// counted; the step carries on.
type ReferentialGapError struct {
	Table     string // source table of the row
	SourceID  int64  // primary key of the row
	Dimension string // dimension that could not resolve
	Value     string // unresolved natural value
}

func (e *ReferentialGapError) Error() string {
	return fmt.Sprintf("%s %d: no %s row for %q", e.Table, e.SourceID, e.Dimension, e.Value)
}

// DataQualityWarning reports a recomputed measure that diverges from the
// source-stored value beyond tolerance. The row is still loaded.
type DataQualityWarning struct {
	Table    string
	SourceID int64
	Field    string
	Source   string
	Computed string
}

func (e *DataQualityWarning) Error() string {
	return fmt.Sprintf("%s %d: %s stored as %s, recomputed %s",
		e.Table, e.SourceID, e.Field, e.Source, e.Computed)
}
