package checkpoint

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/datafile"
	"github.com/san-kum/dnsrun/internal/optional"
)

// Precision is the floating point width of the spectral field.
type Precision string

const (
	Single Precision = "single"
	Double Precision = "double"
)

func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case Single, Double:
		return Precision(s), nil
	}
	return "", fmt.Errorf("%w: %q (want %s or %s)", ErrPrecision, s, Single, Double)
}

func (p Precision) DType() datafile.DType {
	if p == Single {
		return datafile.Complex64
	}
	return datafile.Complex128
}

// Source names an iteration of a previous run to restart from.
type Source struct {
	Dir       string
	Simname   string
	Iteration int
}

// FieldSpec controls the synthetic vorticity field.
type FieldSpec struct {
	Seed      int64
	Slope     float64
	Amplitude float64
	Precision Precision
}

// DefaultFieldSpec is the field a fresh run starts from.
func DefaultFieldSpec() FieldSpec {
	return FieldSpec{Seed: 7547, Slope: 2.0, Amplitude: 0.05, Precision: Single}
}

// FieldPath is the dataset holding the spectral vorticity at iteration.
func FieldPath(iteration int) string {
	return "vorticity/complex/" + strconv.Itoa(iteration)
}

// FieldShape is the transposed real-to-complex layout (ky, kz, kx, component).
func FieldShape(f config.Fluid) []int {
	return []int{f.NY, f.NZ, f.NX/2 + 1, 3}
}

// CreateInitialCondition writes checkpoint 0 of s. With a source it links the
// source field in place; otherwise it stores a generated field. A failed
// restart lookup leaves no file behind.
func (s *Store) CreateInitialCondition(src optional.Option[Source], f config.Fluid, spec FieldSpec) error {
	if source, ok := src.Get(); ok {
		file, err := Locate(source)
		if err != nil {
			return err
		}
		err = s.writeCheckpointZero(func(cp *datafile.File) error {
			return cp.Link(FieldPath(0), file, FieldPath(source.Iteration))
		})
		if err != nil {
			return err
		}
		s.logger().Info("initial condition linked",
			"source", file, "iteration", source.Iteration)
		return nil
	}

	data := GenerateVectorField(f, spec)
	err := s.writeCheckpointZero(func(cp *datafile.File) error {
		d, err := cp.CreateDataset(FieldPath(0), datafile.DatasetSpec{
			DType:     spec.Precision.DType(),
			Shape:     FieldShape(f),
			ChunkRows: 1,
		})
		if err != nil {
			return err
		}
		return d.WriteComplex(0, data)
	})
	if err != nil {
		return err
	}
	s.logger().Info("initial condition generated",
		"seed", spec.Seed, "slope", spec.Slope, "amplitude", spec.Amplitude, "precision", spec.Precision)
	return nil
}

func (s *Store) writeCheckpointZero(write func(*datafile.File) error) error {
	path := s.CheckpointFile(0)
	created := !exists(path)
	cp, err := datafile.Open(path)
	if err != nil {
		return err
	}
	err = write(cp)
	if cerr := cp.Close(); err == nil {
		err = cerr
	}
	if err != nil && created {
		os.Remove(path)
	}
	return err
}

// Locate finds the checkpoint file of src that records src.Iteration. The
// scan covers indices 0 through the source's checkpoint marker and returns
// the first match as an absolute path.
func Locate(src Source) (string, error) {
	dir, err := filepath.Abs(src.Dir)
	if err != nil {
		return "", err
	}
	notFound := &SourceNotFoundError{Dir: dir, Simname: src.Simname, Iteration: src.Iteration}

	raw, err := datafile.OpenReadOnly(filepath.Join(dir, src.Simname+".h5"))
	if err != nil {
		notFound.Cause = err
		return "", notFound
	}
	highest, err := ReadCheckpointMarker(raw)
	raw.Close()
	if err != nil {
		notFound.Cause = err
		return "", notFound
	}

	want := strconv.Itoa(src.Iteration)
	for n := 0; n <= highest; n++ {
		notFound.Scanned++
		path := filepath.Join(dir, checkpointName(src.Simname, n))
		ok, err := recordsIteration(path, want)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("scan %s: %w", path, err)
		}
		if ok {
			return path, nil
		}
	}
	return "", notFound
}

func recordsIteration(path, iteration string) (bool, error) {
	cp, err := datafile.OpenReadOnly(path)
	if err != nil {
		return false, err
	}
	defer cp.Close()

	keys, err := cp.Keys("vorticity/complex")
	if err != nil {
		return false, err
	}
	return slices.Contains(keys, iteration), nil
}

// GenerateVectorField draws a three component spectral field with amplitude
// proportional to k^-(slope+2)/2, so that its shell spectrum scales as
// k^-slope. Modes outside the lowest quarter of each axis stay zero, as does
// the mean mode. The field is not projected onto divergence free modes.
//
// The result uses the FieldShape layout and depends only on f and spec.
func GenerateVectorField(f config.Fluid, spec FieldSpec) []complex128 {
	rng := rand.New(rand.NewSource(spec.Seed))
	shape := FieldShape(f)
	out := make([]complex128, shape[0]*shape[1]*shape[2]*3)

	i := 0
	for iy := 0; iy < f.NY; iy++ {
		ky := signedMode(iy, f.NY)
		for iz := 0; iz < f.NZ; iz++ {
			kz := signedMode(iz, f.NZ)
			for kx := 0; kx <= f.NX/2; kx++ {
				if !inBand(ky, f.NY) || !inBand(kz, f.NZ) || kx > f.NX/4 {
					i += 3
					continue
				}
				k2 := sq(float64(kx)*f.DKX) + sq(float64(ky)*f.DKY) + sq(float64(kz)*f.DKZ)
				amp := 0.0
				if k2 > 0 {
					amp = spec.Amplitude * math.Pow(k2, -(spec.Slope+2)/4)
				}
				for c := 0; c < 3; c++ {
					re, im := rng.NormFloat64(), rng.NormFloat64()
					out[i] = complex(re*amp, im*amp)
					i++
				}
			}
		}
	}
	return out
}

// signedMode maps a storage index to its signed wavenumber index.
func signedMode(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}

func inBand(k, n int) bool {
	return -n/4 < k && k <= n/4
}

func sq(x float64) float64 { return x * x }
