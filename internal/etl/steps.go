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
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pgEdge/pgedge-dwload/internal/db"
)

// Phase orders steps: every calendar step runs before any dimension step,
// and every dimension step before any fact step.
type Phase int

const (
	PhaseCalendar Phase = iota
	PhaseDimensions
	PhaseFacts
)

func (p Phase) String() string {
	switch p {
	case PhaseCalendar:
		return "calendar"
	case PhaseDimensions:
		return "dimensions"
	case PhaseFacts:
		return "facts"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Step names as recorded in etl_logs.proceso_nombre.
const (
	StepCalendar      = "LOAD_DIM_TIEMPO"
	StepGeography     = "LOAD_DIM_GEOGRAFIA"
	StepProduct       = "LOAD_DIM_PRODUCTO"
	StepCustomer      = "LOAD_DIM_CLIENTE"
	StepStore         = "LOAD_DIM_ALMACEN"
	StepDevice        = "LOAD_DIM_DISPOSITIVO"
	StepBrowser       = "LOAD_DIM_NAVEGADOR"
	StepEventType     = "LOAD_DIM_TIPO_EVENTO"
	StepSaleStatus    = "LOAD_DIM_ESTADO_VENTA"
	StepPaymentMethod = "LOAD_DIM_METODO_PAGO"
	StepSession       = "LOAD_DIM_SESION"
	StepSalesFacts    = "LOAD_FACT_VENTAS"
	StepWebFacts      = "LOAD_FACT_COMPORTAMIENTO_WEB"
	StepSearchFacts   = "LOAD_FACT_BUSQUEDAS"

	// RunProcess and RunTable label the whole-run etl_logs row.
	RunProcess = "ETL_COMPLETO"
	RunTable   = "ALL"
)

// Counts are the row counters of one step.
type Counts struct {
	Extracted int64
	Inserted  int64
	Updated   int64
	Errors    int64
	Warnings  int64
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Extracted += other.Extracted
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Errors += other.Errors
	c.Warnings += other.Warnings
}

// StepEnv is what a running step gets to work with.
type StepEnv struct {
	// Source is the operational store, read only.
	Source db.DB

	// Tx is the step's warehouse transaction. It commits only when the
	// step returns no error.
	Tx pgx.Tx

	// Run is the shared run context.
	Run *RunContext

	// Log is tagged with run, step and table.
	Log zerolog.Logger
}

// StepFunc loads one table.
type StepFunc func(ctx context.Context, env *StepEnv) (Counts, error)

// Step is a node of the load DAG.
type Step struct {
	Name      string
	Table     string
	Phase     Phase
	DependsOn []string
	Run       StepFunc
}

// ValidateSteps checks that the steps form a DAG consistent with phase
// order: names are unique, every dependency exists, no step depends on a
// later phase, and there are no cycles.
func ValidateSteps(steps []Step) error {
	byName := make(map[string]Step, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return fmt.Errorf("step for table %q has no name", s.Table)
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate step %s", s.Name)
		}
		if s.Run == nil {
			return fmt.Errorf("step %s has no run function", s.Name)
		}
		byName[s.Name] = s
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			d, ok := byName[dep]
			if !ok {
				return fmt.Errorf("step %s depends on unknown step %s", s.Name, dep)
			}
			if d.Phase > s.Phase {
				return fmt.Errorf("step %s (%s) depends on later-phase step %s (%s)",
					s.Name, s.Phase, dep, d.Phase)
			}
		}
	}

	if _, err := TopoOrder(steps); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns the step names in a dependency-respecting order,
// stable with respect to the input order.
func TopoOrder(steps []Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)
	for _, s := range steps {
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	order := make([]string, 0, len(steps))
	done := make(map[string]bool, len(steps))
	for len(order) < len(steps) {
		progressed := false
		for _, s := range steps {
			if done[s.Name] || indegree[s.Name] > 0 {
				continue
			}
			done[s.Name] = true
			order = append(order, s.Name)
			for _, d := range dependents[s.Name] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, s := range steps {
				if !done[s.Name] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among steps: %s", strings.Join(stuck, ", "))
		}
	}
	return order, nil
}

// DefaultSteps returns the warehouse load DAG.
func DefaultSteps() []Step {
	steps := []Step{
		{Name: StepCalendar, Table: "dim_tiempo", Phase: PhaseCalendar, Run: loadCalendarStep},

		{Name: StepGeography, Table: "dim_geografia", Phase: PhaseDimensions, Run: loadGeography},
		{Name: StepProduct, Table: "dim_producto", Phase: PhaseDimensions, Run: loadProducts},
		{Name: StepCustomer, Table: "dim_cliente", Phase: PhaseDimensions,
			DependsOn: []string{StepGeography}, Run: loadCustomers},
		{Name: StepStore, Table: "dim_almacen", Phase: PhaseDimensions,
			DependsOn: []string{StepGeography}, Run: loadStores},
	}

	for _, d := range discoveredDimensions {
		steps = append(steps, Step{
			Name:      d.Step,
			Table:     d.Table,
			Phase:     PhaseDimensions,
			DependsOn: d.DependsOn,
			Run:       d.load,
		})
	}

	return append(steps,
		Step{Name: StepSalesFacts, Table: "fact_ventas", Phase: PhaseFacts,
			DependsOn: []string{
				StepCalendar, StepProduct, StepCustomer, StepStore, StepGeography,
				StepSaleStatus, StepPaymentMethod,
			},
			Run: loadSalesFacts},
		Step{Name: StepWebFacts, Table: "fact_comportamiento_web", Phase: PhaseFacts,
			DependsOn: []string{
				StepCalendar, StepSession, StepEventType, StepDevice, StepBrowser,
				StepCustomer, StepProduct, StepSalesFacts,
			},
			Run: loadWebFacts},
		Step{Name: StepSearchFacts, Table: "fact_busquedas", Phase: PhaseFacts,
			DependsOn: []string{
				StepCalendar, StepSession, StepDevice, StepBrowser,
				StepCustomer, StepProduct, StepSalesFacts,
			},
			Run: loadSearchFacts},
	)
}
