// Package checkpoint owns the on-disk layout of a simulation: the raw data
// store, numbered checkpoint files, and the initial conditions the solver
// starts from.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/san-kum/dnsrun/internal/datafile"
)

// Fields are the vector fields the solver records statistics for.
var Fields = []string{"velocity", "vorticity"}

// Store locates the files of one simulation inside a working directory.
type Store struct {
	Dir     string
	Simname string
	Logger  *slog.Logger
}

func New(dir, simname string) *Store {
	return &Store{Dir: dir, Simname: simname, Logger: slog.Default()}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.Dir, 0755)
}

func (s *Store) DataFile() string {
	return filepath.Join(s.Dir, s.Simname+".h5")
}

func (s *Store) ParticleFile() string {
	return filepath.Join(s.Dir, s.Simname+"_particles.h5")
}

func (s *Store) PostprocessFile() string {
	return filepath.Join(s.Dir, s.Simname+"_postprocess.h5")
}

func (s *Store) CheckpointFile(n int) string {
	return filepath.Join(s.Dir, checkpointName(s.Simname, n))
}

func checkpointName(simname string, n int) string {
	return fmt.Sprintf("%s_checkpoint_%d.h5", simname, n)
}

// HasData reports whether the raw data store exists.
func (s *Store) HasData() bool {
	return exists(s.DataFile())
}

// HasCheckpoint reports whether checkpoint file n exists.
func (s *Store) HasCheckpoint(n int) bool {
	return exists(s.CheckpointFile(n))
}

// OpenData opens the raw data store for writing, creating it if needed.
func (s *Store) OpenData() (*datafile.File, error) {
	return datafile.Open(s.DataFile())
}

// ReadData opens the raw data store read-only.
func (s *Store) ReadData() (*datafile.File, error) {
	return datafile.OpenReadOnly(s.DataFile())
}

func (s *Store) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
