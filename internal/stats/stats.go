// Package stats derives turbulence diagnostics from the raw statistics a
// solver run records, and caches the reduced time series next to the run.
package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/san-kum/dnsrun/internal/checkpoint"
	"github.com/san-kum/dnsrun/internal/datafile"
	"github.com/san-kum/dnsrun/internal/optional"
)

// ErrMissingData indicates a raw store without recorded moments, or a window
// that selects no rows. Compute reports it as a nil result.
var ErrMissingData = errors.New("stats: no statistics recorded for window")

// ErrShellCount indicates spectra whose shell count differs from kspace/kshell.
var ErrShellCount = errors.New("stats: spectra shell count does not match kshell")

// Window is a resolved iteration window and its statistics rows.
type Window struct {
	Iter0, Iter1 int
	II0, II1     int
}

// Rows is the number of statistics rows in the window.
func (w Window) Rows() int { return w.II1 - w.II0 + 1 }

// Statistics is the reduced view of one window.
type Statistics struct {
	Window  Window
	Physics Physics
	KShell  []float64

	T           []float64
	EnergyTK    [][]float64
	EnstrophyTK [][]float64
	VelMax      []float64
	REnergy     []float64

	Series []Diagnostics
	Mean   Diagnostics
}

type request struct {
	iter0 int
	iter1 optional.Option[int]
}

// Postprocessor computes Statistics for a run. It keeps the last result in
// memory; the persisted cache lives in the run's postprocess file.
type Postprocessor struct {
	store  *checkpoint.Store
	logger *slog.Logger

	last     *request
	cached   *Statistics
	rebuilds int
}

func New(store *checkpoint.Store) *Postprocessor {
	return &Postprocessor{store: store, logger: slog.Default()}
}

// WithLogger sets the logger used for cache events.
func (p *Postprocessor) WithLogger(l *slog.Logger) *Postprocessor {
	p.logger = l
	return p
}

// Rebuilds counts how many times the persisted cache was recomputed.
func (p *Postprocessor) Rebuilds() int { return p.rebuilds }

// Compute returns the statistics for iterations [iter0, iter1]. iter1
// defaults to the latest recorded iteration. A run without recorded moments
// yields nil and no error.
func (p *Postprocessor) Compute(iter0 int, iter1 optional.Option[int]) (*Statistics, error) {
	req := request{iter0: iter0, iter1: iter1}
	if p.last != nil && *p.last == req {
		return p.cached, nil
	}

	st, err := p.compute(iter0, iter1)
	if errors.Is(err, ErrMissingData) {
		p.logger.Debug("no statistics to postprocess", "run", p.store.Simname, "iter0", iter0)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.last, p.cached = &req, st
	return st, nil
}

func (p *Postprocessor) compute(iter0 int, iter1 optional.Option[int]) (*Statistics, error) {
	raw, err := p.store.ReadData()
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	params, err := checkpoint.ReadParameters(raw)
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	w, err := resolveWindow(raw, params.Fluid.NiterStat, iter0, iter1)
	if err != nil {
		return nil, err
	}

	kM, dk, kshell, err := checkpoint.ReadKSpace(raw)
	if err != nil {
		return nil, fmt.Errorf("read kspace: %w", err)
	}
	st := &Statistics{
		Window:  w,
		Physics: Physics{Nu: params.Fluid.Nu, KM: kM, DK: dk, DealiasType: params.Fluid.DealiasType},
		KShell:  kshell,
	}

	series, err := p.readCache(w)
	if err != nil {
		var sm *schemaMismatch
		if !errors.As(err, &sm) {
			return nil, err
		}
		p.logger.Info("rebuilding statistics cache", "run", p.store.Simname, "reason", sm.reason,
			"ii0", w.II0, "ii1", w.II1)
		if series, err = reduce(raw, w, params.Fluid.Dt*float64(params.Fluid.NiterStat)); err != nil {
			return nil, err
		}
		if err := checkShells(series, len(kshell)); err != nil {
			return nil, err
		}
		if err := p.writeCache(w, series); err != nil {
			return nil, fmt.Errorf("write statistics cache: %w", err)
		}
		p.rebuilds++
	} else {
		if err := checkShells(series, len(kshell)); err != nil {
			return nil, err
		}
		p.logger.Debug("statistics cache hit", "run", p.store.Simname, "ii0", w.II0, "ii1", w.II1)
	}

	st.T = series.t
	st.EnergyTK = series.energy
	st.EnstrophyTK = series.enstrophy
	st.VelMax = series.velMax
	st.REnergy = series.rEnergy
	st.Series, st.Mean = TimeAverages(st.Physics, kshell, st.EnergyTK, st.EnstrophyTK, st.VelMax)
	return st, nil
}

func checkShells(r reduced, nshell int) error {
	for _, m := range [][][]float64{r.energy, r.enstrophy} {
		for _, row := range m {
			if len(row) != nshell {
				return fmt.Errorf("%w: %d shells, kshell has %d", ErrShellCount, len(row), nshell)
			}
		}
	}
	return nil
}

// resolveWindow clamps the requested iterations to what the raw store
// holds and converts them to statistics rows.
func resolveWindow(raw *datafile.File, niterStat, iter0 int, iter1 optional.Option[int]) (Window, error) {
	ok, err := raw.Has("statistics/moments")
	if err != nil {
		return Window{}, err
	}
	if !ok {
		return Window{}, ErrMissingData
	}
	moments, err := raw.Dataset(checkpoint.MomentsPath("velocity"))
	if err != nil {
		return Window{}, err
	}
	rows := moments.Len()
	moments.Close()

	latest, err := checkpoint.ReadIteration(raw)
	if err != nil {
		return Window{}, err
	}

	w := Window{Iter0: min(iter0, rows*niterStat-1), Iter1: min(iter1.OrElse(latest), latest)}
	w.II0 = w.Iter0 / niterStat
	w.II1 = min(w.Iter1/niterStat, rows-1)
	if w.II0 < 0 || w.II1 < w.II0 {
		return Window{}, ErrMissingData
	}
	return w, nil
}

// reduced holds the cached time series of one window.
type reduced struct {
	t         []float64
	energy    [][]float64
	enstrophy [][]float64
	velMax    []float64
	rEnergy   []float64
}

// reduce computes the isotropic spectra and scalar series of w from the
// raw store. dtStat is the time between statistics rows.
func reduce(raw *datafile.File, w Window, dtStat float64) (reduced, error) {
	var r reduced
	var err error
	if r.energy, err = halfTrace(raw, checkpoint.SpectraPath("velocity"), w); err != nil {
		return r, err
	}
	if r.enstrophy, err = halfTrace(raw, checkpoint.SpectraPath("vorticity"), w); err != nil {
		return r, err
	}

	d, err := raw.Dataset(checkpoint.MomentsPath("velocity"))
	if err != nil {
		return r, err
	}
	defer d.Close()
	moments, err := d.ReadFloat64(w.II0, w.II1+1)
	if err != nil {
		return r, err
	}
	row := checkpoint.MomentOrders * checkpoint.Channels
	for i := 0; i < w.Rows(); i++ {
		m := moments[i*row : (i+1)*row]
		r.velMax = append(r.velMax, m[9*checkpoint.Channels+3])
		r.rEnergy = append(r.rEnergy, m[2*checkpoint.Channels+3]/2)
		r.t = append(r.t, dtStat*float64(w.II0+i))
	}
	return r, nil
}

// halfTrace returns (E_xx + E_yy + E_zz)/2 for every row and shell of the
// spectral tensor at path.
func halfTrace(raw *datafile.File, path string, w Window) ([][]float64, error) {
	d, err := raw.Dataset(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	nshell := d.Shape()[1]
	data, err := d.ReadFloat64(w.II0, w.II1+1)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, w.Rows())
	for t := range out {
		out[t] = make([]float64, nshell)
		for k := range out[t] {
			e := data[(t*nshell+k)*9:]
			out[t][k] = (e[0] + e[4] + e[8]) / 2
		}
	}
	return out, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
