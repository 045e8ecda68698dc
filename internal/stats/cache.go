package stats

import (
	"errors"
	"fmt"

	"github.com/san-kum/dnsrun/internal/datafile"
)

// Postprocess file keys.
const (
	keyIter0     = "iter0"
	keyIter1     = "iter1"
	keyII0       = "ii0"
	keyII1       = "ii1"
	keyT         = "t"
	keyEnergy    = "energy(t, k)"
	keyEnstrophy = "enstrophy(t, k)"
	keyVelMax    = "vel_max(t)"
	keyREnergy   = "renergy(t)"
)

// schemaMismatch reports a postprocess file that cannot serve the window.
// It always leads to a rebuild and never leaves this package.
type schemaMismatch struct {
	reason string
}

func (e *schemaMismatch) Error() string { return "stats: cache mismatch: " + e.reason }

func mismatch(format string, args ...any) error {
	return &schemaMismatch{reason: fmt.Sprintf(format, args...)}
}

// readCache loads the reduced series of w through a read-only handle.
func (p *Postprocessor) readCache(w Window) (reduced, error) {
	path := p.store.PostprocessFile()
	if !exists(path) {
		return reduced{}, mismatch("no cache file")
	}
	f, err := datafile.OpenReadOnly(path)
	if err != nil {
		return reduced{}, mismatch("open: %v", err)
	}
	defer f.Close()

	ii0, err0 := f.ReadInt(keyII0)
	ii1, err1 := f.ReadInt(keyII1)
	if err := errors.Join(err0, err1); err != nil {
		return reduced{}, mismatch("window key: %v", err)
	}
	if int(ii0) != w.II0 || int(ii1) != w.II1 {
		return reduced{}, mismatch("cached window [%d, %d], want [%d, %d]", ii0, ii1, w.II0, w.II1)
	}

	var r reduced
	if r.t, err = readVector(f, keyT, w.Rows()); err != nil {
		return reduced{}, mismatch("%v", err)
	}
	if r.velMax, err = readVector(f, keyVelMax, w.Rows()); err != nil {
		return reduced{}, mismatch("%v", err)
	}
	if r.rEnergy, err = readVector(f, keyREnergy, w.Rows()); err != nil {
		return reduced{}, mismatch("%v", err)
	}
	if r.energy, err = readMatrix(f, keyEnergy, w.Rows()); err != nil {
		return reduced{}, mismatch("%v", err)
	}
	if r.enstrophy, err = readMatrix(f, keyEnstrophy, w.Rows()); err != nil {
		return reduced{}, mismatch("%v", err)
	}
	return r, nil
}

func readVector(f *datafile.File, key string, rows int) ([]float64, error) {
	d, err := f.Dataset(key)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	if d.Len() != rows {
		return nil, fmt.Errorf("%s has %d rows, want %d", key, d.Len(), rows)
	}
	return d.ReadFloat64(0, rows)
}

func readMatrix(f *datafile.File, key string, rows int) ([][]float64, error) {
	d, err := f.Dataset(key)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	if len(d.Shape()) != 2 || d.Len() != rows {
		return nil, fmt.Errorf("%s has shape %v, want %d rows", key, d.Shape(), rows)
	}
	flat, err := d.ReadFloat64(0, rows)
	if err != nil {
		return nil, err
	}
	cols := d.RowElements()
	out := make([][]float64, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out, nil
}

// writeCache replaces the whole postprocess file content with the series of
// w. It uses its own read-write handle, separate from readCache.
func (p *Postprocessor) writeCache(w Window, r reduced) error {
	f, err := datafile.Open(p.store.PostprocessFile())
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Delete(""); err != nil {
		return err
	}
	for key, v := range map[string]int{keyIter0: w.Iter0, keyIter1: w.Iter1, keyII0: w.II0, keyII1: w.II1} {
		if err := f.WriteInt(key, int64(v)); err != nil {
			return err
		}
	}
	for key, v := range map[string][]float64{keyT: r.t, keyVelMax: r.velMax, keyREnergy: r.rEnergy} {
		if err := writeVector(f, key, v); err != nil {
			return err
		}
	}
	for key, m := range map[string][][]float64{keyEnergy: r.energy, keyEnstrophy: r.enstrophy} {
		if err := writeMatrix(f, key, m); err != nil {
			return err
		}
	}
	return nil
}

func writeVector(f *datafile.File, key string, v []float64) error {
	d, err := f.CreateDataset(key, datafile.DatasetSpec{DType: datafile.Float64, Shape: []int{len(v)}})
	if err != nil {
		return err
	}
	return d.WriteFloat64(0, v)
}

func writeMatrix(f *datafile.File, key string, m [][]float64) error {
	cols := 0
	if len(m) > 0 {
		cols = len(m[0])
	}
	flat := make([]float64, 0, len(m)*cols)
	for _, row := range m {
		flat = append(flat, row...)
	}
	d, err := f.CreateDataset(key, datafile.DatasetSpec{DType: datafile.Float64, Shape: []int{len(m), cols}})
	if err != nil {
		return err
	}
	return d.WriteFloat64(0, flat)
}
