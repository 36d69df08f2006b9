// Package scheduler selects and admits tasks against the joule budget.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Daniele-Cangi/CryoFlux/internal/attempt"
	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
)

// TaskKind is one catalogue entry. The catalogue is configuration; adding
// a kind never touches the scheduling control flow.
type TaskKind struct {
	Name          string
	MinJoules     float64
	NominalJoules float64
}

// State is the scheduler's position in its admission loop.
type State string

const (
	StateIdle      State = "idle"
	StateAdmitting State = "admitting"
	StateWaiting   State = "waiting"
)

// BudgetReader exposes the meter's read-only snapshot.
type BudgetReader interface {
	Sample() meter.Snapshot
}

// EtaSource answers rolling-efficiency queries, usually backed by the
// receipt ledger. ok is false for kinds with no accepted history.
type EtaSource interface {
	Efficiency(task string, window int) (eta float64, ok bool, err error)
}

// AttemptRunner executes one admitted task. The runner re-checks the
// budget withdrawal; ErrInsufficientBudget from it is a lost race, not a
// fault.
type AttemptRunner interface {
	Run(ctx context.Context, task attempt.Task) (*attempt.Attempt, error)
}

// Scheduler polls the budget and admits the most efficient affordable task.
type Scheduler struct {
	catalogue  []TaskKind
	budget     BudgetReader
	eta        EtaSource
	runner     AttemptRunner
	defaultEta float64
	etaWindow  int
	tick       time.Duration
	logFn      func(level, msg string)

	state State
}

// Config wires a Scheduler.
type Config struct {
	Catalogue  []TaskKind
	Budget     BudgetReader
	Eta        EtaSource
	Runner     AttemptRunner
	DefaultEta float64
	EtaWindow  int
	Tick       time.Duration
	LogFn      func(level, msg string)
}

// New builds a scheduler in the Idle state.
func New(cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.EtaWindow <= 0 {
		cfg.EtaWindow = 20
	}
	return &Scheduler{
		catalogue:  cfg.Catalogue,
		budget:     cfg.Budget,
		eta:        cfg.Eta,
		runner:     cfg.Runner,
		defaultEta: cfg.DefaultEta,
		etaWindow:  cfg.EtaWindow,
		tick:       cfg.Tick,
		logFn:      cfg.LogFn,
		state:      StateIdle,
	}
}

// State returns the scheduler's current loop state.
func (s *Scheduler) State() State {
	return s.state
}

// Run ticks until the context is cancelled. Sleeping between ticks holds
// no lock; attempts run to completion before the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass: read the bucket, pick an affordable
// kind, admit it. Budget shortfalls stay inside this loop; they never
// propagate as errors.
func (s *Scheduler) Tick(ctx context.Context) {
	snap := s.budget.Sample()

	kind := s.choose(snap.BucketJoules)
	if kind == nil {
		if s.state != StateWaiting {
			s.log("info", "waiting: bucket %.1f J below every admission cost", snap.BucketJoules)
		}
		s.state = StateWaiting
		return
	}

	s.state = StateAdmitting
	s.log("info", "admitting %s (%.1f J of %.1f J available)", kind.Name, kind.MinJoules, snap.BucketJoules)

	_, err := s.runner.Run(ctx, attempt.Task{Name: kind.Name, ReserveJoules: kind.MinJoules})
	switch {
	case err == nil:
		s.state = StateIdle
	case errors.Is(err, meter.ErrInsufficientBudget):
		// Lost the withdrawal race; re-evaluate on the next tick.
		s.state = StateWaiting
	case errors.Is(err, context.Canceled):
		s.state = StateIdle
	default:
		s.log("error", "attempt %s: %v", kind.Name, err)
		s.state = StateIdle
	}
}

// choose filters the catalogue by affordability and breaks ties by rolling
// efficiency, then by cheaper admission cost for faster feedback cycles.
// Untried kinds run with the optimistic default η so they are never
// permanently starved.
func (s *Scheduler) choose(bucketJoules float64) *TaskKind {
	var (
		best    *TaskKind
		bestEta float64
	)
	for i := range s.catalogue {
		kind := &s.catalogue[i]
		if kind.MinJoules > bucketJoules {
			continue
		}
		eta := s.etaFor(kind.Name)
		if best == nil ||
			eta > bestEta ||
			(eta == bestEta && kind.MinJoules < best.MinJoules) {
			best = kind
			bestEta = eta
		}
	}
	return best
}

func (s *Scheduler) etaFor(name string) float64 {
	if s.eta == nil {
		return s.defaultEta
	}
	eta, ok, err := s.eta.Efficiency(name, s.etaWindow)
	if err != nil {
		s.log("warning", "efficiency query for %s: %v", name, err)
		return s.defaultEta
	}
	if !ok {
		return s.defaultEta
	}
	return eta
}

func (s *Scheduler) log(level, format string, args ...any) {
	if s.logFn != nil {
		s.logFn(level, fmt.Sprintf(format, args...))
	}
}
