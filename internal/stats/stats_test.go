package stats

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/dnsrun/internal/checkpoint"
	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/datafile"
	"github.com/san-kum/dnsrun/internal/kspace"
	"github.com/san-kum/dnsrun/internal/optional"
)

const statRows = 5

// writeRun builds a raw store for an 8^3 run with niter_stat = 2. Every row
// has energy 1 and enstrophy 0.5 in shells 1 to 4, and vel_max = row + 1.
func writeRun(dir string, withStatistics bool) *checkpoint.Store {
	p, err := config.New(config.NSVE, config.Overrides{
		"nx": config.Int(8), "ny": config.Int(8), "nz": config.Int(8),
		"niter_stat": config.Int(2), "niter_todo": config.Int(8), "niter_out": config.Int(8),
		"histogram_bins": config.Int(4),
	})
	Expect(err).NotTo(HaveOccurred())

	store := checkpoint.New(dir, "run")
	raw, err := store.OpenData()
	Expect(err).NotTo(HaveOccurred())
	defer raw.Close()

	grid := kspace.Compute(p.Fluid)
	for k := range grid.KShell {
		grid.KShell[k] = float64(k)
	}
	Expect(checkpoint.WriteParameters(raw, p)).To(Succeed())
	Expect(checkpoint.WriteKSpace(raw, grid)).To(Succeed())
	Expect(checkpoint.WriteIteration(raw, 8)).To(Succeed())
	if !withStatistics {
		return store
	}
	Expect(checkpoint.AllocateStatisticsSchema(raw, p)).To(Succeed())

	nshell := len(grid.KShell)
	for ii := 0; ii < statRows; ii++ {
		for _, field := range checkpoint.Fields {
			value := 1.0
			if field == "vorticity" {
				value = 0.5
			}
			spectra := make([]float64, nshell*9)
			for k := 1; k < nshell; k++ {
				spectra[k*9+0] = value
				spectra[k*9+4] = value
			}
			moments := make([]float64, checkpoint.MomentOrders*checkpoint.Channels)
			moments[9*checkpoint.Channels+3] = float64(ii + 1)
			moments[2*checkpoint.Channels+3] = 8
			Expect(checkpoint.WriteStatistics(raw, field, ii, checkpoint.FieldStatistics{
				Spectra:   spectra,
				Moments:   moments,
				Histogram: make([]int64, 4*checkpoint.Channels),
			})).To(Succeed())
		}
	}
	return store
}

func cacheInt(store *checkpoint.Store, key string) int64 {
	f, err := datafile.OpenReadOnly(store.PostprocessFile())
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	v, err := f.ReadInt(key)
	Expect(err).NotTo(HaveOccurred())
	return v
}

var _ = Describe("TimeAverages", func() {
	ph := Physics{Nu: 0.1, KM: 3, DK: 1, DealiasType: 1}

	It("should derive dissipation and Kolmogorov scales from enstrophy", func() {
		kshell := []float64{1, 2}
		energy := [][]float64{{1, 0}}
		enstrophy := [][]float64{{1.5, 0.5}}

		series, mean := TimeAverages(ph, kshell, energy, enstrophy, []float64{3})

		Expect(series).To(HaveLen(1))
		Expect(mean.Enstrophy).To(BeNumerically("~", 2.0, 1e-12))
		Expect(mean.Dissipation).To(BeNumerically("~", 0.4, 1e-12))
		Expect(mean.EtaK).To(BeNumerically("~", math.Pow(0.0025, 0.25), 1e-12))
		Expect(mean.TauK).To(BeNumerically("~", math.Sqrt(0.25), 1e-12))
		Expect(mean.KMeta).To(BeNumerically("~", 0.8*3*mean.EtaK, 1e-12))
		Expect(mean.VelMax).To(Equal(3.0))
		Expect(mean.TaylorMicroscale).To(Equal(mean.Lambda))
	})

	It("should skip the kshell = 0 shell in the integral scale sum", func() {
		kshell := []float64{0, 1, 2}
		energy := [][]float64{{0, 1, 2}}

		_, mean := TimeAverages(ph, kshell, energy, [][]float64{{0, 1, 1}}, nil)

		uint2 := 2 * 3.0 / 3
		Expect(mean.Uint).To(BeNumerically("~", math.Sqrt(uint2), 1e-12))
		Expect(mean.Lint).To(BeNumerically("~", math.Pi/(2*uint2)*(1+1), 1e-12))
		Expect(math.IsNaN(mean.Lint)).To(BeFalse())
	})

	It("should derive window quantities from the means, not average them", func() {
		kshell := []float64{1}
		energy := [][]float64{{1}, {4}}
		enstrophy := [][]float64{{1}, {3}}

		series, mean := TimeAverages(Physics{Nu: 0.1, KM: 3, DK: 1, DealiasType: 2}, kshell, energy, enstrophy, nil)

		Expect(mean.Enstrophy).To(Equal(2.0))
		Expect(mean.Dissipation).To(BeNumerically("~", 0.4, 1e-12))
		avgEtaK := (series[0].EtaK + series[1].EtaK) / 2
		Expect(mean.EtaK).NotTo(BeNumerically("~", avgEtaK, 1e-6))
		Expect(mean.Tint).To(BeNumerically("~", mean.Lint/mean.Uint, 1e-12))
		Expect(mean.KMeta).To(BeNumerically("~", 3*mean.EtaK, 1e-12))
	})
})

var _ = Describe("Postprocessor", func() {
	var (
		dir   string
		store *checkpoint.Store
		pp    *Postprocessor
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		store = writeRun(dir, true)
		pp = New(store)
	})

	It("should return no result when no moments were recorded", func() {
		bare := writeRun(GinkgoT().TempDir(), false)

		st, err := New(bare).Compute(0, optional.None[int]())

		Expect(err).NotTo(HaveOccurred())
		Expect(st).To(BeNil())
	})

	It("should reduce the full record by default", func() {
		st, err := pp.Compute(0, optional.None[int]())
		Expect(err).NotTo(HaveOccurred())
		Expect(st).NotTo(BeNil())

		Expect(st.Window).To(Equal(Window{Iter0: 0, Iter1: 8, II0: 0, II1: 4}))
		Expect(st.T).To(HaveLen(statRows))
		for i, t := range st.T {
			Expect(t).To(BeNumerically("~", 0.02*float64(i), 1e-12))
		}
		Expect(st.EnergyTK[0]).To(Equal([]float64{0, 1, 1, 1, 1}))
		Expect(st.EnstrophyTK[2]).To(Equal([]float64{0, 0.5, 0.5, 0.5, 0.5}))
		Expect(st.VelMax).To(Equal([]float64{1, 2, 3, 4, 5}))
		Expect(st.REnergy).To(Equal([]float64{4, 4, 4, 4, 4}))

		Expect(st.Mean.Energy).To(BeNumerically("~", 4, 1e-12))
		Expect(st.Mean.Enstrophy).To(BeNumerically("~", 2, 1e-12))
		Expect(st.Mean.Dissipation).To(BeNumerically("~", 0.4, 1e-12))
		Expect(st.Mean.VelMax).To(BeNumerically("~", 3, 1e-12))
		Expect(st.Mean.Lint).To(BeNumerically("~", 3*math.Pi/16*(1+0.5+1.0/3+0.25), 1e-12))
		Expect(st.Mean.KMeta).To(BeNumerically("~", 0.8*3*st.Mean.EtaK, 1e-12))
	})

	It("should compute an unchanged window only once", func() {
		first, err := pp.Compute(0, optional.None[int]())
		Expect(err).NotTo(HaveOccurred())
		second, err := pp.Compute(0, optional.None[int]())
		Expect(err).NotTo(HaveOccurred())

		Expect(second).To(BeIdenticalTo(first))
		Expect(pp.Rebuilds()).To(Equal(1))
	})

	It("should reuse the persisted cache from another postprocessor", func() {
		_, err := pp.Compute(2, optional.Some(6))
		Expect(err).NotTo(HaveOccurred())

		other := New(store)
		st, err := other.Compute(2, optional.Some(6))
		Expect(err).NotTo(HaveOccurred())
		Expect(other.Rebuilds()).To(Equal(0))
		Expect(st.VelMax).To(Equal([]float64{2, 3, 4}))
	})

	It("should drop the whole cache when the window changes", func() {
		_, err := pp.Compute(0, optional.None[int]())
		Expect(err).NotTo(HaveOccurred())

		st, err := pp.Compute(3, optional.Some(5))
		Expect(err).NotTo(HaveOccurred())
		Expect(pp.Rebuilds()).To(Equal(2))
		Expect(st.Window).To(Equal(Window{Iter0: 3, Iter1: 5, II0: 1, II1: 2}))
		Expect(st.T).To(HaveLen(2))

		Expect(cacheInt(store, "ii0")).To(Equal(int64(1)))
		Expect(cacheInt(store, "ii1")).To(Equal(int64(2)))
		Expect(cacheInt(store, "iter0")).To(Equal(int64(3)))

		f, err := datafile.OpenReadOnly(store.PostprocessFile())
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()
		keys, err := f.Keys("")
		Expect(err).NotTo(HaveOccurred())
		Expect(keys).To(ConsistOf("iter0", "iter1", "ii0", "ii1", "t",
			"energy(t, k)", "enstrophy(t, k)", "vel_max(t)", "renergy(t)"))

		d, err := f.Dataset("t")
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Len()).To(Equal(2))
	})

	It("should clamp the window to the recorded data", func() {
		st, err := pp.Compute(100, optional.Some(100))
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Window).To(Equal(Window{Iter0: 9, Iter1: 8, II0: 4, II1: 4}))
		Expect(st.VelMax).To(Equal([]float64{5}))
	})

	It("should reject a kshell shorter than the spectra", func() {
		raw, err := store.OpenData()
		Expect(err).NotTo(HaveOccurred())
		Expect(raw.Delete("kspace/kshell")).To(Succeed())
		d, err := raw.CreateDataset("kspace/kshell", datafile.DatasetSpec{DType: datafile.Float64, Shape: []int{2}})
		Expect(err).NotTo(HaveOccurred())
		Expect(d.WriteFloat64(0, []float64{0, 1})).To(Succeed())
		Expect(raw.Close()).To(Succeed())

		st, err := pp.Compute(0, optional.None[int]())
		Expect(err).To(MatchError(ErrShellCount))
		Expect(st).To(BeNil())
		Expect(exists(store.PostprocessFile())).To(BeFalse())
	})

	It("should rebuild an incoherent cache", func() {
		_, err := pp.Compute(0, optional.None[int]())
		Expect(err).NotTo(HaveOccurred())

		f, err := datafile.Open(store.PostprocessFile())
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Delete("vel_max(t)")).To(Succeed())
		Expect(f.Close()).To(Succeed())

		other := New(store)
		st, err := other.Compute(0, optional.None[int]())
		Expect(err).NotTo(HaveOccurred())
		Expect(other.Rebuilds()).To(Equal(1))
		Expect(st.VelMax).To(HaveLen(statRows))
	})
})
