// Package daemon wires the controller: sampler, meter, agent API,
// receipt ledger, evaluator, and scheduler, under one lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/Daniele-Cangi/CryoFlux/internal/attempt"
	"github.com/Daniele-Cangi/CryoFlux/internal/capability"
	"github.com/Daniele-Cangi/CryoFlux/internal/config"
	"github.com/Daniele-Cangi/CryoFlux/internal/ledger"
	"github.com/Daniele-Cangi/CryoFlux/internal/meter"
	"github.com/Daniele-Cangi/CryoFlux/internal/meterapi"
	"github.com/Daniele-Cangi/CryoFlux/internal/scheduler"
	"github.com/Daniele-Cangi/CryoFlux/internal/telemetry"
)

// Options selects which parts of the controller run.
type Options struct {
	// MeterOnly runs sampler, meter, and agent API without scheduling.
	MeterOnly bool

	// Version is reported by the health endpoint.
	Version string

	// ActivityFn is called for log messages (if set, suppresses stdout)
	ActivityFn func(level, msg string)
}

// Daemon is a fully wired controller instance.
type Daemon struct {
	cfg        *config.Config
	opts       Options
	meter      *meter.Meter
	sampler    *telemetry.Sampler
	store      *ledger.Store
	server     *meterapi.Server
	activityFn func(level, msg string)
}

// New wires a daemon from configuration. The ledger is opened here so a
// bad path fails before anything starts sampling.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	sampler := telemetry.NewSampler(telemetry.SamplerConfig{
		CPUTDPWatts: cfg.Energy.CPUTDPWatts,
	})

	m := meter.New(meter.NewCalibrator(meter.CalibratorConfig{
		SmoothingAlpha: cfg.Energy.SmoothingAlpha,
		IdleLearnWatts: cfg.Energy.IdleLearnWatts,
		Window:         time.Duration(cfg.Energy.CalibrationSeconds) * time.Second,
		MaxSamples:     cfg.Energy.CalibrationSamples,
	}))

	store, err := ledger.OpenStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open receipt ledger: %w", err)
	}

	// A broken chain means the audit trail is untrusted; refuse to add
	// receipts on top of it until an operator intervenes.
	verify, err := store.VerifyChain()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("verify receipt chain: %w", err)
	}
	if !verify.Valid {
		store.Close()
		return nil, fmt.Errorf("receipt chain broken at #%d; run 'cryoflux verify' and resolve before restarting", verify.FirstBrokenSeq)
	}

	server := meterapi.NewServer(meterapi.ServerConfig{
		Listen:    cfg.Agent.Listen,
		Version:   opts.Version,
		TakeRPS:   cfg.Agent.TakeRPS,
		TakeBurst: cfg.Agent.TakeBurst,
	}, m)

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		meter:      m,
		sampler:    sampler,
		store:      store,
		server:     server,
		activityFn: opts.ActivityFn,
	}, nil
}

// Meter exposes the daemon's joule meter.
func (d *Daemon) Meter() *meter.Meter {
	return d.meter
}

// Store exposes the daemon's receipt ledger.
func (d *Daemon) Store() *ledger.Store {
	return d.store
}

// Run starts every component and blocks until a signal arrives or the
// context is cancelled. Shutdown order matters: the scheduler stops
// before the appender closes so no receipt is left unqueued.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			d.log("info", "Received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	appender := ledger.NewAppender(ctx, d.store)
	appender.OnStall = func(r ledger.Receipt, attempts int, err error) {
		d.log("error", "Receipt for %s stalled after %d write attempts: %v", r.Task, attempts, err)
	}
	appender.OnAppend = func(r *ledger.Receipt) {
		verdict := "rejected"
		if r.Accepted {
			verdict = "accepted"
		}
		d.log("info", "Receipt #%d %s %s (%.1f J, delta %.4f)", r.Seq, r.Task, verdict, r.Joules, r.Delta)
	}

	errChan := make(chan error, 3)

	go func() {
		d.log("info", "Power sampler running at %.0f Hz (TDP %.0f W)", d.cfg.Energy.SampleHz, d.cfg.Energy.CPUTDPWatts)
		d.meter.SamplerLoop(ctx, d.sampler, d.cfg.SampleInterval())
	}()

	go func() {
		d.log("info", "Metering API listening on %s", d.cfg.Agent.Listen)
		if err := d.server.Start(ctx); err != nil {
			errChan <- fmt.Errorf("metering API: %w", err)
		}
	}()

	schedDone := make(chan struct{})
	if d.opts.MeterOnly {
		d.log("info", "Meter-only mode, scheduler disabled")
		close(schedDone)
	} else {
		sched, kinds := d.buildScheduler(appender)
		go func() {
			defer close(schedDone)
			d.log("success", "Scheduler started with %d task kinds", kinds)
			sched.Run(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errChan:
		cancel()
	}

	<-schedDone
	appender.Close()
	if err := d.store.Close(); err != nil {
		d.log("warning", "Closing receipt ledger: %v", err)
	}
	d.log("info", "Shutdown complete")
	return runErr
}

// buildCatalogue resolves each configured task kind to its capability.
// Kinds that cannot be wired are dropped with a warning: one unconfigured
// task must not take down the meter or the rest of the catalogue.
func (d *Daemon) buildCatalogue() ([]scheduler.TaskKind, map[string]capability.Trainer) {
	catalogue := make([]scheduler.TaskKind, 0, len(d.cfg.Tasks))
	trainers := make(map[string]capability.Trainer, len(d.cfg.Tasks))

	for _, tc := range d.cfg.Tasks {
		trainer, err := d.buildTrainer(tc)
		if err != nil {
			d.log("warning", "Task %s disabled: %v", tc.Name, err)
			continue
		}
		trainers[tc.Name] = trainer
		catalogue = append(catalogue, scheduler.TaskKind{
			Name:          tc.Name,
			MinJoules:     tc.MinJoules,
			NominalJoules: tc.NominalJoules,
		})
	}
	if len(catalogue) == 0 {
		d.log("warning", "No runnable task kinds; scheduler will idle")
	}
	return catalogue, trainers
}

// buildScheduler assembles the catalogue, per-task capabilities, and the
// evaluator behind one runner. It returns the scheduler and the number of
// runnable kinds.
func (d *Daemon) buildScheduler(recorder *ledger.Appender) (*scheduler.Scheduler, int) {
	catalogue, trainers := d.buildCatalogue()

	evaluator := attempt.NewEvaluator(attempt.EvaluatorConfig{
		Budget:   d.meter,
		Recorder: recorder,
		Thresholds: attempt.Thresholds{
			Delta:    d.cfg.Accept.DeltaThreshold,
			Accuracy: d.cfg.Accept.AccuracyThreshold,
		},
		Timeout: d.cfg.AttemptTimeout(),
		LogFn:   d.activity(),
	})

	runner := &dispatchRunner{evaluator: evaluator, trainers: trainers}

	return scheduler.New(scheduler.Config{
		Catalogue:  catalogue,
		Budget:     d.meter,
		Eta:        d.store,
		Runner:     runner,
		DefaultEta: d.cfg.Scheduler.DefaultEta,
		EtaWindow:  d.cfg.Scheduler.EtaWindow,
		Tick:       d.cfg.TickInterval(),
		LogFn:      d.activity(),
	}), len(catalogue)
}

// buildTrainer picks the capability for one task kind. Tasks with a train
// command run through the script boundary; the built-in index refresher
// covers tasks without one.
func (d *Daemon) buildTrainer(tc config.TaskConfig) (capability.Trainer, error) {
	if len(tc.TrainCommand) > 0 {
		return &capability.ScriptTrainer{
			TrainArgv: tc.TrainCommand,
			MergeArgv: tc.MergeCommand,
		}, nil
	}
	if tc.Name == "index_refresh" {
		return &capability.IndexRefresher{
			IncomingDir: d.cfg.Index.IncomingDir,
			IndexPath:   d.cfg.Index.IndexPath,
			MaxLines:    d.cfg.Index.MaxLines,
			TopK:        d.cfg.Index.TopK,
		}, nil
	}
	return nil, fmt.Errorf("no train command and no built-in capability")
}

// dispatchRunner routes an admitted task to its capability.
type dispatchRunner struct {
	evaluator *attempt.Evaluator
	trainers  map[string]capability.Trainer
}

func (r *dispatchRunner) Run(ctx context.Context, task attempt.Task) (*attempt.Attempt, error) {
	trainer, ok := r.trainers[task.Name]
	if !ok {
		return nil, fmt.Errorf("no capability registered for task %s", task.Name)
	}
	return r.evaluator.Run(ctx, task, trainer)
}

func (d *Daemon) activity() func(level, msg string) {
	return func(level, msg string) {
		d.log(level, "%s", msg)
	}
}

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errColor     = color.New(color.FgRed)
)

// log outputs a message - uses activity callback if set, otherwise prints
// to stdout/stderr with level coloring.
func (d *Daemon) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if d.activityFn != nil {
		d.activityFn(level, msg)
		return
	}
	stamp := time.Now().Format("15:04:05")
	switch level {
	case "error":
		errColor.Fprintf(os.Stderr, "%s %s\n", stamp, msg)
	case "warning":
		warnColor.Fprintf(os.Stderr, "%s %s\n", stamp, msg)
	case "success":
		successColor.Printf("%s %s\n", stamp, msg)
	default:
		fmt.Printf("%s %s\n", stamp, msg)
	}
}
