// Package report formats run parameters and postprocessed diagnostics for
// the terminal.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/dnsrun/internal/config"
	"github.com/san-kum/dnsrun/internal/stats"
)

type row struct {
	name  string
	value string
}

// WriteParameters writes one "name = value" line per parameter in name order.
func WriteParameters(w io.Writer, p config.Parameters) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s parameters\n", p.Variant)
	p.Each(func(name string, v config.Value) {
		fmt.Fprintf(&b, "%s = %s\n", name, v)
	})
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteDiagnostics writes the window and its time averaged diagnostics as
// "name = value" lines.
func WriteDiagnostics(w io.Writer, st *stats.Statistics) error {
	var b strings.Builder
	for _, r := range windowRows(st.Window) {
		fmt.Fprintf(&b, "%s = %s\n", r.name, r.value)
	}
	for _, r := range diagnosticRows(st.Mean) {
		fmt.Fprintf(&b, "%s = %s\n", r.name, r.value)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Render draws the diagnostics as a styled panel.
func Render(simname string, st *stats.Statistics) string {
	rows := diagnosticRows(st.Mean)
	width := 0
	for _, r := range rows {
		width = max(width, len(r.name))
	}

	lines := []string{
		Title.Render(simname),
		Subtle.Render(fmt.Sprintf("iterations %d..%d, rows %d..%d", st.Window.Iter0, st.Window.Iter1, st.Window.II0, st.Window.II1)),
		"",
	}
	for _, r := range rows {
		lines = append(lines, Label.Render(fmt.Sprintf("%-*s", width, r.name))+"  "+Value.Render(r.value))
	}
	return Panel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func windowRows(w stats.Window) []row {
	return []row{
		{"iter0", strconv.Itoa(w.Iter0)},
		{"iter1", strconv.Itoa(w.Iter1)},
		{"ii0", strconv.Itoa(w.II0)},
		{"ii1", strconv.Itoa(w.II1)},
	}
}

func diagnosticRows(d stats.Diagnostics) []row {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }
	return []row{
		{"energy", f(d.Energy)},
		{"enstrophy", f(d.Enstrophy)},
		{"vel_max", f(d.VelMax)},
		{"Uint", f(d.Uint)},
		{"Lint", f(d.Lint)},
		{"diss", f(d.Dissipation)},
		{"etaK", f(d.EtaK)},
		{"tauK", f(d.TauK)},
		{"Re", f(d.Re)},
		{"lambda", f(d.Lambda)},
		{"Rlambda", f(d.Rlambda)},
		{"kMeta", f(d.KMeta)},
		{"Tint", f(d.Tint)},
		{"Taylor_microscale", f(d.TaylorMicroscale)},
	}
}
