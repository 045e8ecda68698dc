// Package kspace derives the wavenumber-space geometry of a periodic grid.
//
// The axis ordering follows the solver's real-to-complex transform: kx holds
// the non-negative half spectrum, ky and kz start at the zero mode, run up to
// n/2 and then wrap to the negative modes. Isotropic shell averages computed
// by the solver depend on this exact ordering.
package kspace

import (
	"math"

	"github.com/san-kum/dnsrun/internal/config"
)

// Grid is an immutable snapshot of the spectral geometry.
type Grid struct {
	KM     float64
	DK     float64
	NShell []int64
	KShell []float64
	KX     []float64
	KY     []float64
	KZ     []float64
}

// Compute derives the grid for f. It is a pure function of the grid size,
// spacing and dealiasing parameters.
func Compute(f config.Fluid) Grid {
	divisor := 3
	if f.DealiasType == 1 {
		divisor = 2
	}
	kMx := f.DKX * float64(f.NX/divisor-1)
	kMy := f.DKY * float64(f.NY/divisor-1)
	kMz := f.DKZ * float64(f.NZ/divisor-1)

	g := Grid{
		KM: math.Max(kMx, math.Max(kMy, kMz)),
		DK: math.Min(f.DKX, math.Min(f.DKY, f.DKZ)),
	}

	n := ShellCount(g.KM, g.DK)
	g.NShell = make([]int64, n)
	g.KShell = make([]float64, n)

	g.KX = make([]float64, f.NX/2+1)
	for i := range g.KX {
		g.KX[i] = float64(i) * f.DKX
	}
	g.KY = signedAxis(f.NY, f.DKY)
	g.KZ = signedAxis(f.NZ, f.DKZ)
	return g
}

// ShellCount is the number of isotropic shells for cutoff kM and spacing dk.
func ShellCount(kM, dk float64) int {
	n := int(kM/dk) + 2
	if n < 0 {
		return 0
	}
	return n
}

// signedAxis lays out [-n/2+1, n/2]*dk and rotates it by n/2+1 so that index
// 0 holds the zero mode.
func signedAxis(n int, dk float64) []float64 {
	start := floorDiv(-n, 2) + 1
	shift := n/2 + 1
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[(i+shift)%n] = float64(start+i) * dk
	}
	return out
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
