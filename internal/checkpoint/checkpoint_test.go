package checkpoint

import (
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/datafile"
	"github.com/san-kum/dnsrun/internal/kspace"
	"github.com/san-kum/dnsrun/internal/optional"
)

func smallFluid() config.Fluid {
	f := config.DefaultFluid()
	f.NX, f.NY, f.NZ = 8, 8, 8
	f.HistogramBins = 16
	return f
}

// sourceRun writes a run whose checkpoint n records the given iterations.
func sourceRun(t *testing.T, dir string, checkpoints map[int][]int, marker int) *Store {
	t.Helper()
	src := New(dir, "src")
	raw, err := src.OpenData()
	require.NoError(t, err)
	require.NoError(t, WriteCheckpointMarker(raw, marker))
	require.NoError(t, raw.Close())

	for n, iterations := range checkpoints {
		cp, err := datafile.Open(src.CheckpointFile(n))
		require.NoError(t, err)
		for _, it := range iterations {
			d, err := cp.CreateDataset(FieldPath(it), datafile.DatasetSpec{DType: datafile.Complex128, Shape: []int{1}})
			require.NoError(t, err)
			require.NoError(t, d.WriteComplex(0, []complex128{complex(float64(it), 0)}))
		}
		require.NoError(t, cp.Close())
	}
	return src
}

func TestLocate_PicksCheckpointRecordingIteration(t *testing.T) {
	dir := t.TempDir()
	sourceRun(t, dir, map[int][]int{0: {0, 8}, 1: {16, 24}, 2: {32, 40}}, 2)

	path, err := Locate(Source{Dir: dir, Simname: "src", Iteration: 40})
	require.NoError(t, err)
	assert.Equal(t, New(dir, "src").CheckpointFile(2), path)
}

func TestLocate_BoundedByMarker(t *testing.T) {
	dir := t.TempDir()
	sourceRun(t, dir, map[int][]int{0: {0}, 1: {8}, 2: {16}}, 1)

	_, err := Locate(Source{Dir: dir, Simname: "src", Iteration: 16})
	require.ErrorIs(t, err, ErrSourceNotFound)

	var nf *SourceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 2, nf.Scanned)
	assert.Equal(t, 16, nf.Iteration)
}

func TestLocate_SkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	sourceRun(t, dir, map[int][]int{0: {0}, 2: {16}}, 2)

	path, err := Locate(Source{Dir: dir, Simname: "src", Iteration: 16})
	require.NoError(t, err)
	assert.Equal(t, New(dir, "src").CheckpointFile(2), path)
}

func TestCreateInitialCondition_LinksSource(t *testing.T) {
	dir := t.TempDir()
	sourceRun(t, dir, map[int][]int{0: {0, 8}, 1: {16}, 2: {24}}, 2)

	dst := New(dir, "dst")
	src := optional.Some(Source{Dir: dir, Simname: "src", Iteration: 24})
	require.NoError(t, dst.CreateInitialCondition(src, smallFluid(), DefaultFieldSpec()))

	cp, err := datafile.OpenReadOnly(dst.CheckpointFile(0))
	require.NoError(t, err)
	defer cp.Close()

	file, target, err := cp.LinkTarget(FieldPath(0))
	require.NoError(t, err)
	assert.Equal(t, New(dir, "src").CheckpointFile(2), file)
	assert.Equal(t, FieldPath(24), target)

	d, err := cp.Dataset(FieldPath(0))
	require.NoError(t, err)
	defer d.Close()
	got, err := d.ReadComplex(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []complex128{24}, got)
}

func TestCreateInitialCondition_MissingSourceLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	sourceRun(t, dir, map[int][]int{0: {0}}, 0)

	dst := New(dir, "dst")
	src := optional.Some(Source{Dir: dir, Simname: "src", Iteration: 99})
	err := dst.CreateInitialCondition(src, smallFluid(), DefaultFieldSpec())
	require.ErrorIs(t, err, ErrSourceNotFound)

	_, statErr := os.Stat(dst.CheckpointFile(0))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateInitialCondition_Generated(t *testing.T) {
	dst := New(t.TempDir(), "dst")
	f := smallFluid()
	require.NoError(t, dst.CreateInitialCondition(optional.None[Source](), f, DefaultFieldSpec()))

	cp, err := datafile.OpenReadOnly(dst.CheckpointFile(0))
	require.NoError(t, err)
	defer cp.Close()

	d, err := cp.Dataset(FieldPath(0))
	require.NoError(t, err)
	assert.Equal(t, []int{8, 8, 5, 3}, d.Shape())
	assert.Equal(t, datafile.Complex64, d.DType())

	got, err := d.ReadComplex(0, d.Len())
	require.NoError(t, err)
	want := GenerateVectorField(f, DefaultFieldSpec())
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, real(want[i]), real(got[i]), 1e-7)
		assert.InDelta(t, imag(want[i]), imag(got[i]), 1e-7)
	}
}

func TestGenerateVectorField(t *testing.T) {
	f := smallFluid()
	spec := DefaultFieldSpec()

	a := GenerateVectorField(f, spec)
	b := GenerateVectorField(f, spec)
	assert.Equal(t, a, b, "same seed must give the same field")

	spec.Seed++
	assert.NotEqual(t, a, GenerateVectorField(f, spec))

	assert.Len(t, a, 8*8*5*3)
	for c := 0; c < 3; c++ {
		assert.Zero(t, a[c], "mean mode must be zero")
	}

	// (ky, kz, kx) = (0, 0, 4) lies beyond the generated band.
	idx := ((0*8+0)*5 + 4) * 3
	assert.Zero(t, a[idx])

	// (ky, kz, kx) = (0, 0, 1) is inside it.
	assert.NotZero(t, a[3])
}

func TestTimeChunk(t *testing.T) {
	assert.Equal(t, (1<<20)/(8*17*9), TimeChunk(17*9))
	assert.Equal(t, 3276, TimeChunk(40))
	assert.Equal(t, 1, TimeChunk(1<<20))
}

func TestAllocateStatisticsSchema(t *testing.T) {
	p, err := config.New(config.NSVE, config.Overrides{"nx": config.Int(8), "ny": config.Int(8), "nz": config.Int(8), "histogram_bins": config.Int(16)})
	require.NoError(t, err)

	raw, err := New(t.TempDir(), "run").OpenData()
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, AllocateStatisticsSchema(raw, p))

	nshell := len(kspace.Compute(p.Fluid).NShell)
	for _, field := range Fields {
		d, err := raw.Dataset(SpectraPath(field))
		require.NoError(t, err)
		assert.Equal(t, []int{1, nshell, 3, 3}, d.Shape())
		assert.Equal(t, datafile.Unlimited, d.MaxShape()[0])
		assert.Equal(t, TimeChunk(nshell*9), d.ChunkRows())

		d, err = raw.Dataset(MomentsPath(field))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 10, 4}, d.Shape())

		d, err = raw.Dataset(HistogramsPath(field))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 16, 4}, d.Shape())
		assert.Equal(t, datafile.Int64, d.DType())
	}

	moments := make([]float64, 40)
	moments[9*4+3] = 2.5
	require.NoError(t, WriteStatistics(raw, "velocity", 3, FieldStatistics{
		Spectra:   make([]float64, nshell*9),
		Moments:   moments,
		Histogram: make([]int64, 64),
	}))
	d, err := raw.Dataset(MomentsPath("velocity"))
	require.NoError(t, err)
	assert.Equal(t, 4, d.Len())
	row, err := d.ReadFloat64(3, 4)
	require.NoError(t, err)
	assert.Equal(t, 2.5, row[9*4+3])
}

func TestParametersRoundTrip(t *testing.T) {
	p, err := config.New(config.NSVEp, config.Overrides{"nu": config.Float(0.02), "nparticles": config.Int(64)})
	require.NoError(t, err)

	raw, err := New(t.TempDir(), "run").OpenData()
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, WriteParameters(raw, p))
	require.NoError(t, WriteKSpace(raw, kspace.Compute(p.Fluid)))

	q, err := ReadParameters(raw)
	require.NoError(t, err)
	assert.Equal(t, p.Variant, q.Variant)
	assert.Equal(t, p.Fluid, q.Fluid)
	assert.Equal(t, *p.Particles, *q.Particles)

	kM, dk, kshell, err := ReadKSpace(raw)
	require.NoError(t, err)
	assert.Equal(t, 15.0, kM)
	assert.Equal(t, 1.0, dk)
	assert.Len(t, kshell, 17)
}

func TestMarkers(t *testing.T) {
	raw, err := New(t.TempDir(), "run").OpenData()
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, WriteCheckpointMarker(raw, 0))
	require.NoError(t, WriteCheckpointMarker(raw, 3))
	n, err := ReadCheckpointMarker(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, WriteIteration(raw, 128))
	it, err := ReadIteration(raw)
	require.NoError(t, err)
	assert.Equal(t, 128, it)
}

func TestInitialTracerState(t *testing.T) {
	flat, err := InitialTracerState(TracerOptions{Seed: 1, NParticles: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{5}, flat.Shape)
	require.Len(t, flat.Data, 15)
	for _, x := range flat.Data {
		assert.True(t, x >= 0 && x < 2*math.Pi)
	}

	again, err := InitialTracerState(TracerOptions{Seed: 1, NParticles: 5})
	require.NoError(t, err)
	assert.Equal(t, flat, again)

	cube, err := InitialTracerState(TracerOptions{Seed: 2, NParticles: 3, Clouds: 2, CloudType: RegularCube, CloudSize: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3, 3}, cube.Shape)
	require.Len(t, cube.Data, 2*27*3)
	// x runs fastest along the lattice.
	assert.InDelta(t, 0.5, cube.Data[3]-cube.Data[0], 1e-12)
	assert.InDelta(t, 0, cube.Data[4]-cube.Data[1], 1e-12)
	assert.InDelta(t, 0.5, cube.Data[3*3+1]-cube.Data[1], 1e-12)

	random, err := InitialTracerState(TracerOptions{Seed: 3, NParticles: 4, Clouds: 3, CloudType: RandomCube, CloudSize: 0.1})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, random.Shape)
	assert.Len(t, random.Data, 3*4*3)

	_, err = InitialTracerState(TracerOptions{Clouds: 2, NParticles: 1, CloudType: "sphere"})
	assert.ErrorIs(t, err, ErrCloudType)
}

func TestAllocateParticles(t *testing.T) {
	s := New(t.TempDir(), "run")
	state, err := InitialTracerState(TracerOptions{Seed: 4, NParticles: 6})
	require.NoError(t, err)
	require.NoError(t, s.AllocateParticles(0, 4, state))

	cp, err := datafile.OpenReadOnly(s.CheckpointFile(0))
	require.NoError(t, err)
	defer cp.Close()

	rhs, err := cp.Dataset(TracerRHSPath(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6, 3}, rhs.Shape())

	st, err := cp.Dataset(TracerStatePath(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []int{6, 3}, st.Shape())
	got, err := st.ReadFloat64(0, 6)
	require.NoError(t, err)
	assert.Equal(t, state.Data, got)
}

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("double")
	require.NoError(t, err)
	assert.Equal(t, datafile.Complex128, p.DType())

	_, err = ParsePrecision("half")
	assert.ErrorIs(t, err, ErrPrecision)
}
