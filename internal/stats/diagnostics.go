package stats

import "math"

// dealiasCorrection scales kM*etaK for the 2/3-rule, whose effective cutoff
// sits below kM.
const dealiasCorrection = 0.8

// Physics carries the run parameters the diagnostics depend on.
type Physics struct {
	Nu          float64
	KM          float64
	DK          float64
	DealiasType int
}

// Diagnostics are scalar turbulence quantities at one time or averaged over
// a window.
type Diagnostics struct {
	Energy           float64
	Enstrophy        float64
	VelMax           float64
	Uint             float64
	Lint             float64
	Dissipation      float64
	EtaK             float64
	TauK             float64
	Re               float64
	Lambda           float64
	Rlambda          float64
	KMeta            float64
	Tint             float64
	TaylorMicroscale float64
}

// Derive fills the quantities that follow from Energy, Enstrophy, Uint and
// Lint.
func (d *Diagnostics) Derive(ph Physics) {
	nu := ph.Nu
	d.Dissipation = 2 * nu * d.Enstrophy
	d.EtaK = math.Pow(nu*nu*nu/d.Dissipation, 0.25)
	d.TauK = math.Sqrt(nu / d.Dissipation)
	d.Re = d.Uint * d.Lint / nu
	d.Lambda = math.Sqrt(15 * nu * d.Uint * d.Uint / d.Dissipation)
	d.Rlambda = d.Uint * d.Lambda / nu
	d.KMeta = ph.KM * d.EtaK
	if ph.DealiasType == 1 {
		d.KMeta *= dealiasCorrection
	}
	d.Tint = d.Lint / d.Uint
	d.TaylorMicroscale = d.Lambda
}

// TimeAverages computes per-time diagnostics from the isotropic spectra and
// their window means. Means are taken over energy, enstrophy, vel_max, Uint
// and Lint; the remaining quantities are derived from those means. kshell
// must have one entry per spectrum column.
func TimeAverages(ph Physics, kshell []float64, energyTK, enstrophyTK [][]float64, velMax []float64) ([]Diagnostics, Diagnostics) {
	series := make([]Diagnostics, len(energyTK))
	var mean Diagnostics
	for t := range series {
		d := &series[t]
		d.Energy = ph.DK * sum(energyTK[t])
		d.Enstrophy = ph.DK * sum(enstrophyTK[t])
		if t < len(velMax) {
			d.VelMax = velMax[t]
		}
		d.Uint = math.Sqrt(2 * d.Energy / 3)

		var lsum float64
		for k, e := range energyTK[t] {
			if v := e / kshell[k]; !math.IsNaN(v) {
				lsum += v
			}
		}
		d.Lint = ph.DK * math.Pi / (2 * d.Uint * d.Uint) * lsum
		d.Derive(ph)

		mean.Energy += d.Energy
		mean.Enstrophy += d.Enstrophy
		mean.VelMax += d.VelMax
		mean.Uint += d.Uint
		mean.Lint += d.Lint
	}

	if n := float64(len(series)); n > 0 {
		mean.Energy /= n
		mean.Enstrophy /= n
		mean.VelMax /= n
		mean.Uint /= n
		mean.Lint /= n
	}
	mean.Derive(ph)
	return series, mean
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}
