// Package launcher prepares a simulation directory and runs the external
// solver on it.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/xid"
	"github.com/shirou/gopsutil/cpu"

	"github.com/san-kum/dnsrun/internal/checkpoint"
	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/datafile"
	"github.com/san-kum/dnsrun/internal/kspace"
	"github.com/san-kum/dnsrun/internal/optional"
	"github.com/san-kum/dnsrun/internal/stats"
)

// Version is recorded in the exec name of every run.
const Version = "2.1.0"

// JobOptions control how the solver is started.
type JobOptions struct {
	// NCPU is the number of cores to use; -1 means every logical core.
	NCPU int
	// NProcesses defaults to NCPU / NThreadsPerProcess.
	NProcesses         int
	NThreadsPerProcess int
	// Minutes is the wall-clock budget, recorded for the job system.
	Minutes  int
	NJobs    int
	NoSubmit bool
}

func DefaultJobOptions() JobOptions {
	return JobOptions{NCPU: -1, NThreadsPerProcess: 1, Minutes: 10, NJobs: 1}
}

// Options describe one launch.
type Options struct {
	Store     *checkpoint.Store
	Params    config.Parameters
	Precision checkpoint.Precision
	Field     checkpoint.FieldSpec
	Source    optional.Option[checkpoint.Source]
	Tracers   checkpoint.TracerOptions
	Job       JobOptions
	// Postprocess runs the statistics postprocessor after the solver.
	Postprocess bool
}

// Result reports what a launch did.
type Result struct {
	LaunchID    string
	Initialized bool
	Invocations []Invocation
	Statistics  *stats.Statistics
}

type Launcher struct {
	solver Solver
	env    Environment
	logger *slog.Logger
	now    func() time.Time
}

func New(solver Solver, env Environment) *Launcher {
	return &Launcher{solver: solver, env: env, logger: slog.Default(), now: time.Now}
}

// WithLogger sets the logger used for launch events.
func (l *Launcher) WithLogger(logger *slog.Logger) *Launcher {
	l.logger = logger
	return l
}

// ExecName identifies the solver build a run uses.
func ExecName(variant config.Variant, precision checkpoint.Precision) string {
	return fmt.Sprintf("%s-%s-v%s", variant, precision, Version)
}

// Launch initializes the run directory if the raw store does not exist yet,
// records the launch, runs the solver NJobs times and optionally
// postprocesses. Parameters, the restart source and the tracer layout are
// checked before anything is written.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if _, err := checkpoint.ParsePrecision(string(opts.Precision)); err != nil {
		return nil, err
	}
	job, err := resolveJob(opts.Job)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	var tracers optional.Option[checkpoint.TracerState]
	if !store.HasData() {
		if tracers, err = prepare(opts); err != nil {
			return nil, err
		}
	}
	if err := store.Init(); err != nil {
		return nil, err
	}

	res := &Result{}
	if !store.HasData() {
		if err := l.initialize(opts, tracers); err != nil {
			return nil, err
		}
		res.Initialized = true
	}

	if res.LaunchID, err = l.recordLaunch(store, job); err != nil {
		return nil, err
	}

	if !job.NoSubmit {
		inv := l.invocation(opts, job)
		for j := 0; j < job.NJobs; j++ {
			start := l.now()
			l.logger.Info("solver started", "launch", res.LaunchID, "job", j, "executable", inv.Executable)
			if err := l.solver.Run(ctx, inv); err != nil {
				return res, fmt.Errorf("job %d of %d: %w", j+1, job.NJobs, err)
			}
			res.Invocations = append(res.Invocations, inv)
			l.logger.Info("solver finished", "launch", res.LaunchID, "job", j, "duration", l.now().Sub(start))
		}
	}

	if opts.Postprocess {
		st, err := stats.New(store).WithLogger(l.logger).Compute(0, optional.None[int]())
		if err != nil {
			return res, fmt.Errorf("postprocess: %w", err)
		}
		res.Statistics = st
	}
	return res, nil
}

func resolveJob(job JobOptions) (JobOptions, error) {
	if job.NCPU < 0 {
		n, err := cpu.Counts(true)
		if err != nil {
			return job, fmt.Errorf("count cpus: %w", err)
		}
		job.NCPU = n
	}
	job.NThreadsPerProcess = max(job.NThreadsPerProcess, 1)
	if job.NProcesses <= 0 {
		job.NProcesses = max(job.NCPU/job.NThreadsPerProcess, 1)
	}
	job.NJobs = max(job.NJobs, 1)
	return job, nil
}

// prepare checks the inputs of a fresh run before anything is written: the
// restart source must resolve and the tracer layout must be valid.
func prepare(opts Options) (optional.Option[checkpoint.TracerState], error) {
	none := optional.None[checkpoint.TracerState]()
	if src, ok := opts.Source.Get(); ok && !opts.Store.HasCheckpoint(0) {
		if _, err := checkpoint.Locate(src); err != nil {
			return none, err
		}
	}
	p := opts.Params
	if p.Particles == nil {
		return none, nil
	}
	to := opts.Tracers
	to.NParticles = p.Particles.NParticles
	state, err := checkpoint.InitialTracerState(to)
	if err != nil {
		return none, err
	}
	return optional.Some(state), nil
}

// initialize writes checkpoint 0 and the raw store. A failure removes the
// raw store so the next launch starts over.
func (l *Launcher) initialize(opts Options, tracers optional.Option[checkpoint.TracerState]) error {
	store, p := opts.Store, opts.Params

	if !store.HasCheckpoint(0) {
		field := opts.Field
		field.Precision = opts.Precision
		if err := store.CreateInitialCondition(opts.Source, p.Fluid, field); err != nil {
			return err
		}
	}

	if err := l.writeRawStore(opts); err != nil {
		os.Remove(store.DataFile())
		return err
	}

	if state, ok := tracers.Get(); ok {
		if err := store.AllocateParticles(0, p.Particles.IntegrationSteps, state); err != nil {
			os.Remove(store.DataFile())
			return err
		}
		l.logger.Info("tracers allocated", "shape", state.Shape, "steps", p.Particles.IntegrationSteps)
	}
	return nil
}

func (l *Launcher) writeRawStore(opts Options) error {
	raw, err := opts.Store.OpenData()
	if err != nil {
		return err
	}
	defer raw.Close()

	p := opts.Params
	grid := kspace.Compute(p.Fluid)
	steps := []func() error{
		func() error { return checkpoint.WriteParameters(raw, p) },
		func() error { return raw.WriteString(checkpoint.ExecNameKey, ExecName(p.Variant, opts.Precision)) },
		func() error { return checkpoint.WriteKSpace(raw, grid) },
		func() error { return checkpoint.AllocateStatisticsSchema(raw, p) },
		func() error { return checkpoint.WriteCheckpointMarker(raw, 0) },
		func() error { return checkpoint.WriteIteration(raw, 0) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	l.logger.Info("schema allocated", "run", opts.Store.Simname,
		"nshell", len(grid.NShell),
		"spectra_chunk", checkpoint.TimeChunk(len(grid.NShell)*9),
		"moments_chunk", checkpoint.TimeChunk(checkpoint.MomentOrders*checkpoint.Channels),
		"histogram_chunk", checkpoint.TimeChunk(p.Fluid.HistogramBins*checkpoint.Channels))
	return nil
}

func (l *Launcher) recordLaunch(store *checkpoint.Store, job JobOptions) (string, error) {
	raw, err := store.OpenData()
	if err != nil {
		return "", err
	}
	defer raw.Close()

	id := xid.New().String()
	root := "launch/" + id + "/"
	if err := raw.WriteString(root+"started", l.now().UTC().Format(time.RFC3339)); err != nil {
		return "", err
	}
	for name, v := range map[string]int{
		"ncpu":       job.NCPU,
		"nprocesses": job.NProcesses,
		"nthreads":   job.NThreadsPerProcess,
		"minutes":    job.Minutes,
		"njobs":      job.NJobs,
	} {
		if err := raw.WriteInt(root+name, int64(v)); err != nil {
			return "", err
		}
	}
	return id, nil
}

// Launches lists the ids of every recorded launch of a run.
func Launches(raw *datafile.File) ([]string, error) {
	return raw.Keys("launch")
}

func (l *Launcher) invocation(opts Options, job JobOptions) Invocation {
	dir := opts.Store.Dir
	exe := l.env.Solver
	if exe == "" {
		exe = filepath.Join(dir, ExecName(opts.Params.Variant, opts.Precision))
	}
	inv := Invocation{
		Executable: exe,
		Args:       []string{opts.Store.Simname},
		Dir:        dir,
		Env:        []string{"OMP_NUM_THREADS=" + strconv.Itoa(job.NThreadsPerProcess)},
	}
	if job.NProcesses > 1 {
		inv.Args = append([]string{"-np", strconv.Itoa(job.NProcesses), exe}, inv.Args...)
		inv.Executable = l.env.MPIRun
	}
	return inv
}
