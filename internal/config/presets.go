package config

import "math"

// forcingAmplitudes holds famplitude values tuned for specific cube sizes.
var forcingAmplitudes = map[int]float64{
	288: 0.45,
	576: 0.47,
}

// LaunchOverrides derives grid and physics parameters for an N^3 run.
//
// With the default forcing band [2, 4] the mean dissipation stays close to
// 0.4, so kMeta fixes the viscosity through nu = (2 kMeta / N)^(4/3).
// dt is dtfactor / N.
func LaunchOverrides(n int, kMeta, dtfactor float64) Overrides {
	o := Overrides{
		"nx": Int(int64(n)),
		"ny": Int(int64(n)),
		"nz": Int(int64(n)),
		"nu": Float(math.Pow(kMeta*2/float64(n), 4.0/3.0)),
		"dt": Float(dtfactor / float64(n)),
	}
	if a, ok := forcingAmplitudes[n]; ok {
		o["famplitude"] = Float(a)
	}
	return o
}

// FitOutputInterval sets niter_out to niter_todo when the former does not
// divide the latter, using the defaults for names absent from o.
func FitOutputInterval(o Overrides) {
	todo := int64(DefaultNiterTodo)
	if v, ok := o["niter_todo"]; ok && v.Kind == KindInt {
		todo = v.Int
	}
	out := int64(DefaultNiterOut)
	if v, ok := o["niter_out"]; ok && v.Kind == KindInt {
		out = v.Int
	}
	if out <= 0 || todo%out != 0 {
		o["niter_out"] = Int(todo)
	}
}

// Merge copies every entry of other into o, replacing existing names.
func (o Overrides) Merge(other Overrides) {
	for k, v := range other {
		o[k] = v
	}
}
