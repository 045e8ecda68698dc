package checkpoint

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/san-kum/dnsrun/internal/datafile"
)

// CloudType selects how particle clouds are laid out.
type CloudType string

const (
	RandomCube  CloudType = "random-cube"
	RegularCube CloudType = "regular-cube"
)

// TracerOptions describe the initial tracer positions. With one cloud or
// fewer the particles are spread uniformly over the periodic box.
type TracerOptions struct {
	Seed       int64
	NParticles int
	Clouds     int
	CloudType  CloudType
	CloudSize  float64
}

// TracerState holds positions with shape Shape x 3.
type TracerState struct {
	Shape []int
	Data  []float64
}

// InitialTracerState draws tracer positions. Identical options give
// identical states.
func InitialTracerState(opts TracerOptions) (TracerState, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	n := opts.NParticles
	if opts.Clouds <= 1 {
		return TracerState{Shape: []int{n}, Data: uniform(rng, n*3, 2*math.Pi)}, nil
	}

	origins := uniform(rng, opts.Clouds*3, 2*math.Pi)
	switch opts.CloudType {
	case RandomCube:
		offsets := uniform(rng, n*3, opts.CloudSize)
		data := make([]float64, 0, opts.Clouds*n*3)
		for c := 0; c < opts.Clouds; c++ {
			for p := 0; p < n; p++ {
				for d := 0; d < 3; d++ {
					data = append(data, origins[3*c+d]+offsets[3*p+d])
				}
			}
		}
		return TracerState{Shape: []int{opts.Clouds, n}, Data: data}, nil

	case RegularCube:
		line := linspace(-opts.CloudSize/2, opts.CloudSize/2, n)
		data := make([]float64, 0, opts.Clouds*n*n*n*3)
		for c := 0; c < opts.Clouds; c++ {
			for k := 0; k < n; k++ {
				for j := 0; j < n; j++ {
					for i := 0; i < n; i++ {
						data = append(data,
							origins[3*c]+line[i],
							origins[3*c+1]+line[j],
							origins[3*c+2]+line[k],
						)
					}
				}
			}
		}
		return TracerState{Shape: []int{opts.Clouds, n, n, n}, Data: data}, nil
	}
	return TracerState{}, fmt.Errorf("%w: %q", ErrCloudType, opts.CloudType)
}

func uniform(rng *rand.Rand, n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64() * scale
	}
	return out
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}

func TracerStatePath(species, n int) string { return fmt.Sprintf("tracers%d/state/%d", species, n) }
func TracerRHSPath(species, n int) string { return fmt.Sprintf("tracers%d/rhs/%d", species, n) }

// AllocateParticles creates the integration history and current state
// buffers of one species in checkpoint 0 and stores state in the latter.
func (s *Store) AllocateParticles(species, integrationSteps int, state TracerState) error {
	return s.writeCheckpointZero(func(cp *datafile.File) error {
		rhsShape := append(append([]int{integrationSteps}, state.Shape...), 3)
		if _, err := cp.CreateDataset(TracerRHSPath(species, 0), datafile.DatasetSpec{
			DType: datafile.Float64,
			Shape: rhsShape,
		}); err != nil {
			return err
		}

		d, err := cp.CreateDataset(TracerStatePath(species, 0), datafile.DatasetSpec{
			DType: datafile.Float64,
			Shape: append(append([]int(nil), state.Shape...), 3),
		})
		if err != nil {
			return err
		}
		if len(state.Data) == 0 {
			return nil
		}
		return d.WriteFloat64(0, state.Data)
	})
}
