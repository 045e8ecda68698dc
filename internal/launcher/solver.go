package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"
)

//go:generate mockgen -destination "mock_solver_test.go" -package $GOPACKAGE -write_package_comment=false github.com/san-kum/dnsrun/internal/launcher Solver

// Invocation describes one run of the external solver.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string
	// Env is added to the inherited environment.
	Env []string
}

// Solver runs the external integrator to completion.
type Solver interface {
	Run(ctx context.Context, inv Invocation) error
}

// ProcessSolver runs invocations as child processes. The child is killed
// when the program exits through atexit before the child finishes.
type ProcessSolver struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (p ProcessSolver) Run(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", inv.Executable, err)
	}
	id := atexit.Register(func() { cmd.Process.Kill() })
	defer id.Cancel()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", inv.Executable, err)
	}
	return nil
}

const (
	envSolver = "DNSRUN_SOLVER"
	envMPIRun = "DNSRUN_MPIRUN"
)

// Environment locates the solver executable and the MPI launcher.
type Environment struct {
	// Solver overrides the executable path. Empty means the executable
	// named after the run's exec name inside the working directory.
	Solver string
	MPIRun string
}

// LoadEnvironment reads DNSRUN_SOLVER and DNSRUN_MPIRUN from dir/.env,
// falling back to the process environment.
func LoadEnvironment(dir string) (Environment, error) {
	values := map[string]string{}
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err == nil {
		if values, err = godotenv.Read(path); err != nil {
			return Environment{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	lookup := func(key, fallback string) string {
		if v, ok := values[key]; ok && v != "" {
			return v
		}
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	return Environment{
		Solver: lookup(envSolver, ""),
		MPIRun: lookup(envMPIRun, "mpirun"),
	}, nil
}
