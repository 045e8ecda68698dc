package checkpoint

import (
	"fmt"

	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/datafile"
	"github.com/san-kum/dnsrun/internal/kspace"
)

const (
	// MomentOrders is the number of moment rows recorded per field.
	MomentOrders = 10
	// Channels is the number of moment and histogram channels: three
	// components and the magnitude.
	Channels = 4

	chunkTargetBytes = 1 << 20
)

// Raw store paths.
const (
	IterationKey  = "iteration"
	CheckpointKey = "checkpoint"
	ExecNameKey   = "bfps_info/exec_name"
	DNSTypeKey    = "bfps_info/dns_type"
	ParameterRoot = "parameters"
)

func SpectraPath(field string) string { return "statistics/spectra/" + field + "_" + field }
func MomentsPath(field string) string { return "statistics/moments/" + field }
func HistogramsPath(field string) string { return "statistics/histograms/" + field }

// TimeChunk is the number of time rows per stored block for rows of
// rowElements float64 values, aiming at about 1 MiB per block.
func TimeChunk(rowElements int) int {
	return max(1, chunkTargetBytes/(8*rowElements))
}

// AllocateStatisticsSchema creates the spectra, moments and histogram time
// series of every field, each one row long and extensible in time.
func AllocateStatisticsSchema(f *datafile.File, p config.Parameters) error {
	nshell := len(kspace.Compute(p.Fluid).NShell)
	bins := p.Fluid.HistogramBins

	for _, field := range Fields {
		specs := map[string]datafile.DatasetSpec{
			SpectraPath(field):    timeSeries(datafile.Float64, nshell, 3, 3),
			MomentsPath(field):    timeSeries(datafile.Float64, MomentOrders, Channels),
			HistogramsPath(field): timeSeries(datafile.Int64, bins, Channels),
		}
		for path, spec := range specs {
			d, err := f.CreateDataset(path, spec)
			if err != nil {
				return err
			}
			d.Close()
		}
	}
	return nil
}

func timeSeries(dtype datafile.DType, row ...int) datafile.DatasetSpec {
	elems := 1
	for _, n := range row {
		elems *= n
	}
	return datafile.DatasetSpec{
		DType:     dtype,
		Shape:     append([]int{1}, row...),
		MaxShape:  append([]int{datafile.Unlimited}, row...),
		ChunkRows: TimeChunk(elems),
	}
}

// WriteKSpace stores the spectral geometry under kspace/.
func WriteKSpace(f *datafile.File, g kspace.Grid) error {
	if err := f.WriteFloat("kspace/kM", g.KM); err != nil {
		return err
	}
	if err := f.WriteFloat("kspace/dk", g.DK); err != nil {
		return err
	}
	d, err := f.CreateDataset("kspace/nshell", datafile.DatasetSpec{DType: datafile.Int64, Shape: []int{len(g.NShell)}})
	if err != nil {
		return err
	}
	if err := d.WriteInt64(0, g.NShell); err != nil {
		return err
	}
	for name, values := range map[string][]float64{
		"kshell": g.KShell,
		"kx":     g.KX,
		"ky":     g.KY,
		"kz":     g.KZ,
	} {
		d, err := f.CreateDataset("kspace/"+name, datafile.DatasetSpec{DType: datafile.Float64, Shape: []int{len(values)}})
		if err != nil {
			return err
		}
		if err := d.WriteFloat64(0, values); err != nil {
			return err
		}
	}
	return nil
}

// ReadKSpace loads the cutoff, spacing and shell centres written by the
// solver.
func ReadKSpace(f *datafile.File) (kM, dk float64, kshell []float64, err error) {
	if kM, err = f.ReadFloat("kspace/kM"); err != nil {
		return
	}
	if dk, err = f.ReadFloat("kspace/dk"); err != nil {
		return
	}
	d, err := f.Dataset("kspace/kshell")
	if err != nil {
		return
	}
	defer d.Close()
	kshell, err = d.ReadFloat64(0, d.Len())
	return
}

// WriteParameters stores every parameter as a named scalar along with the
// variant.
func WriteParameters(f *datafile.File, p config.Parameters) error {
	var err error
	p.Each(func(name string, v config.Value) {
		if err != nil {
			return
		}
		path := ParameterRoot + "/" + name
		switch v.Kind {
		case config.KindInt:
			err = f.WriteInt(path, v.Int)
		case config.KindFloat:
			err = f.WriteFloat(path, v.Float)
		default:
			err = f.WriteString(path, v.Str)
		}
	})
	if err != nil {
		return err
	}
	return f.WriteString(DNSTypeKey, string(p.Variant))
}

// ReadParameters rebuilds a validated parameter set from a raw store.
func ReadParameters(f *datafile.File) (config.Parameters, error) {
	variant, err := f.ReadString(DNSTypeKey)
	if err != nil {
		return config.Parameters{}, err
	}
	v, err := config.ParseVariant(variant)
	if err != nil {
		return config.Parameters{}, err
	}

	names, err := f.Keys(ParameterRoot)
	if err != nil {
		return config.Parameters{}, err
	}
	overrides := make(config.Overrides, len(names))
	for _, name := range names {
		raw, err := f.Scalar(ParameterRoot + "/" + name)
		if err != nil {
			return config.Parameters{}, err
		}
		val, err := config.ValueOf(raw)
		if err != nil {
			return config.Parameters{}, fmt.Errorf("parameter %s: %w", name, err)
		}
		overrides[name] = val
	}
	return config.New(v, overrides)
}

// WriteCheckpointMarker records n as the most recent checkpoint index.
func WriteCheckpointMarker(f *datafile.File, n int) error {
	return f.WriteInt(CheckpointKey, int64(n))
}

func ReadCheckpointMarker(f *datafile.File) (int, error) {
	n, err := f.ReadInt(CheckpointKey)
	return int(n), err
}

// WriteIteration records the latest completed iteration.
func WriteIteration(f *datafile.File, iteration int) error {
	return f.WriteInt(IterationKey, int64(iteration))
}

func ReadIteration(f *datafile.File) (int, error) {
	n, err := f.ReadInt(IterationKey)
	return int(n), err
}

// FieldStatistics is one statistics row of a single field, flattened in
// row-major order.
type FieldStatistics struct {
	Spectra   []float64 // nshell x 3 x 3
	Moments   []float64 // 10 x 4
	Histogram []int64   // bins x 4
}

// WriteStatistics stores row ii of field, growing the time series as needed.
func WriteStatistics(f *datafile.File, field string, ii int, st FieldStatistics) error {
	for path, write := range map[string]func(*datafile.Dataset) error{
		SpectraPath(field):    func(d *datafile.Dataset) error { return d.WriteFloat64(ii, st.Spectra) },
		MomentsPath(field):    func(d *datafile.Dataset) error { return d.WriteFloat64(ii, st.Moments) },
		HistogramsPath(field): func(d *datafile.Dataset) error { return d.WriteInt64(ii, st.Histogram) },
	} {
		d, err := f.Dataset(path)
		if err != nil {
			return err
		}
		if d.Len() <= ii {
			if err := d.Resize(ii + 1); err != nil {
				return err
			}
		}
		if err := write(d); err != nil {
			return fmt.Errorf("%s row %d: %w", path, ii, err)
		}
	}
	return nil
}
