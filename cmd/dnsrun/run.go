package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/san-kum/dnsrun/internal/checkpoint"
	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/launcher"
	"github.com/san-kum/dnsrun/internal/optional"
	"github.com/san-kum/dnsrun/internal/report"
)

var (
	cubeSize   int
	precision  string
	kMeta      float64
	dtfactor   float64
	configFile string

	srcWorkDir   string
	srcSimname   string
	srcIteration int

	niterTodo int
	niterStat int
	niterOut  int
	niterPart int

	nparticles       int
	pclouds          int
	pcloudType       string
	pcloudSize       float64
	particleSeed     int64
	neighbours       int
	smoothness       int
	integrationSteps int

	fieldSeed int64

	job         launcher.JobOptions
	postprocess bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <NSVE|NSVEp>",
		Short: "initialize a run directory and launch the solver",
		Args:  cobra.ExactArgs(1),
		RunE:  runLaunch,
	}
	job = launcher.DefaultJobOptions()

	f := cmd.Flags()
	f.IntVarP(&cubeSize, "cube-size", "n", config.DefaultCubeSize, "grid points per dimension")
	f.StringVar(&precision, "precision", string(checkpoint.Single), "field precision (single or double)")
	f.Float64Var(&kMeta, "kMeta", 2.0, "resolution target; sets nu")
	f.Float64Var(&dtfactor, "dtfactor", 0.5, "time step factor; dt = dtfactor / N")
	f.StringVar(&configFile, "config", "", "YAML parameter overrides")

	f.StringVar(&srcWorkDir, "src-wd", "", "working directory of the restart source (default --wd)")
	f.StringVar(&srcSimname, "src-simname", "", "restart from this run instead of a generated field")
	f.IntVar(&srcIteration, "src-iteration", 0, "iteration of the restart source")

	f.IntVar(&niterTodo, "niter-todo", config.DefaultNiterTodo, "iterations per job")
	f.IntVar(&niterStat, "niter-stat", config.DefaultNiterStat, "iterations between statistics")
	f.IntVar(&niterOut, "niter-out", config.DefaultNiterOut, "iterations between checkpoints")
	f.IntVar(&niterPart, "niter-part", 1, "iterations between particle samples")

	f.IntVar(&nparticles, "nparticles", 10, "tracers per cloud (per cloud edge for regular-cube)")
	f.IntVar(&pclouds, "pclouds", 1, "number of tracer clouds")
	f.StringVar(&pcloudType, "pcloud-type", string(checkpoint.RandomCube), "cloud layout (random-cube or regular-cube)")
	f.Float64Var(&pcloudSize, "particle-cloud-size", 2*math.Pi, "edge length of a tracer cloud")
	f.Int64Var(&particleSeed, "particle-rand-seed", 0, "tracer seed")
	f.IntVar(&neighbours, "neighbours", 1, "interpolation neighbours")
	f.IntVar(&smoothness, "smoothness", 1, "interpolation smoothness")
	f.IntVar(&integrationSteps, "integration-steps", 4, "tracer integration steps")
	f.Int64Var(&fieldSeed, "field-seed", checkpoint.DefaultFieldSpec().Seed, "seed of the generated initial field")

	f.IntVar(&job.NCPU, "ncpu", job.NCPU, "cores to use, -1 for all")
	f.IntVar(&job.NProcesses, "np", 0, "MPI processes (default ncpu / ntpp)")
	f.IntVar(&job.NThreadsPerProcess, "ntpp", job.NThreadsPerProcess, "threads per process")
	f.IntVar(&job.Minutes, "minutes", job.Minutes, "wall clock budget per job")
	f.IntVar(&job.NJobs, "njobs", job.NJobs, "number of consecutive solver jobs")
	f.BoolVar(&job.NoSubmit, "no-submit", false, "prepare the run without starting the solver")
	f.BoolVar(&postprocess, "postprocess", false, "postprocess statistics after the solver")

	return cmd
}

func runLaunch(cmd *cobra.Command, args []string) error {
	variant, err := config.ParseVariant(args[0])
	if err != nil {
		return err
	}
	prec, err := checkpoint.ParsePrecision(precision)
	if err != nil {
		return err
	}

	// only the default niter_out is fitted; user values go through validation
	overrides := config.LaunchOverrides(cubeSize, kMeta, dtfactor)
	config.FitOutputInterval(overrides)
	if configFile != "" {
		fromFile, err := config.Load(configFile)
		if err != nil {
			return err
		}
		overrides.Merge(fromFile)
	}
	overrides.Merge(flagOverrides(cmd, variant))

	params, err := config.New(variant, overrides)
	if err != nil {
		return err
	}

	env, err := launcher.LoadEnvironment(workDir)
	if err != nil {
		return err
	}

	field := checkpoint.DefaultFieldSpec()
	field.Seed = fieldSeed

	opts := launcher.Options{
		Store:     checkpoint.New(workDir, simname),
		Params:    params,
		Precision: prec,
		Field:     field,
		Source:    restartSource(),
		Tracers: checkpoint.TracerOptions{
			Seed:      particleSeed,
			Clouds:    pclouds,
			CloudType: checkpoint.CloudType(pcloudType),
			CloudSize: pcloudSize,
		},
		Job:         job,
		Postprocess: postprocess,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	solver := launcher.ProcessSolver{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()}
	res, err := launcher.New(solver, env).Launch(ctx, opts)
	if err != nil {
		return err
	}
	if res.Statistics != nil {
		fmt.Fprintln(cmd.OutOrStdout(), report.Render(simname, res.Statistics))
	}
	return nil
}

// flagOverrides collects the parameters set explicitly on the command line.
func flagOverrides(cmd *cobra.Command, variant config.Variant) config.Overrides {
	o := config.Overrides{}
	set := func(flag, name string, v config.Value) {
		if cmd.Flags().Changed(flag) {
			o[name] = v
		}
	}
	set("niter-todo", "niter_todo", config.Int(int64(niterTodo)))
	set("niter-stat", "niter_stat", config.Int(int64(niterStat)))
	set("niter-out", "niter_out", config.Int(int64(niterOut)))

	if variant == config.NSVEp {
		set("niter-part", "niter_part", config.Int(int64(niterPart)))
		set("nparticles", "nparticles", config.Int(int64(nparticles)))
		set("neighbours", "tracers0_neighbours", config.Int(int64(neighbours)))
		set("smoothness", "tracers0_smoothness", config.Int(int64(smoothness)))
		set("integration-steps", "tracers0_integration_steps", config.Int(int64(integrationSteps)))
	}
	return o
}

func restartSource() optional.Option[checkpoint.Source] {
	if srcSimname == "" {
		return optional.None[checkpoint.Source]()
	}
	dir := srcWorkDir
	if dir == "" {
		dir = workDir
	}
	return optional.Some(checkpoint.Source{Dir: dir, Simname: srcSimname, Iteration: srcIteration})
}
