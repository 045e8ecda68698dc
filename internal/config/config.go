package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCubeSize      = 32
	DefaultDealiasType   = 1
	DefaultNiterTodo     = 8
	DefaultNiterStat     = 1
	DefaultNiterOut      = 8
	DefaultDt            = 0.01
	DefaultNu            = 0.1
	DefaultFAmplitude    = 0.5
	DefaultHistogramBins = 256
)

// Variant selects the solver formulation.
type Variant string

const (
	// NSVE is the plain Navier-Stokes vorticity formulation.
	NSVE Variant = "NSVE"
	// NSVEp adds passive fluid tracers to NSVE.
	NSVEp Variant = "NSVEp"
)

func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case NSVE, NSVEp:
		return Variant(s), nil
	}
	return "", fmt.Errorf("%w: %q (want %s or %s)", ErrVariant, s, NSVE, NSVEp)
}

// Fluid holds the parameters every variant shares.
type Fluid struct {
	NX                   int     `yaml:"nx"`
	NY                   int     `yaml:"ny"`
	NZ                   int     `yaml:"nz"`
	DKX                  float64 `yaml:"dkx"`
	DKY                  float64 `yaml:"dky"`
	DKZ                  float64 `yaml:"dkz"`
	DealiasType          int     `yaml:"dealias_type"`
	NiterTodo            int     `yaml:"niter_todo"`
	NiterStat            int     `yaml:"niter_stat"`
	NiterOut             int     `yaml:"niter_out"`
	CheckpointsPerFile   int     `yaml:"checkpoints_per_file"`
	Dt                   float64 `yaml:"dt"`
	Nu                   float64 `yaml:"nu"`
	FMode                int     `yaml:"fmode"`
	FAmplitude           float64 `yaml:"famplitude"`
	FK0                  float64 `yaml:"fk0"`
	FK1                  float64 `yaml:"fk1"`
	ForcingType          string  `yaml:"forcing_type"`
	HistogramBins        int     `yaml:"histogram_bins"`
	MaxVelocityEstimate  float64 `yaml:"max_velocity_estimate"`
	MaxVorticityEstimate float64 `yaml:"max_vorticity_estimate"`
}

// Particles is the tracer extension group used by NSVEp.
type Particles struct {
	NiterPart        int `yaml:"niter_part"`
	NParticles       int `yaml:"nparticles"`
	IntegrationSteps int `yaml:"tracers0_integration_steps"`
	Neighbours       int `yaml:"tracers0_neighbours"`
	Smoothness       int `yaml:"tracers0_smoothness"`
}

// Parameters is a validated parameter snapshot. Values are passed around by
// copy; only New and Merge build them.
type Parameters struct {
	Variant   Variant
	Fluid     Fluid
	Particles *Particles
}

func DefaultFluid() Fluid {
	return Fluid{
		NX:                   DefaultCubeSize,
		NY:                   DefaultCubeSize,
		NZ:                   DefaultCubeSize,
		DKX:                  1.0,
		DKY:                  1.0,
		DKZ:                  1.0,
		DealiasType:          DefaultDealiasType,
		NiterTodo:            DefaultNiterTodo,
		NiterStat:            DefaultNiterStat,
		NiterOut:             DefaultNiterOut,
		CheckpointsPerFile:   1,
		Dt:                   DefaultDt,
		Nu:                   DefaultNu,
		FMode:                1,
		FAmplitude:           DefaultFAmplitude,
		FK0:                  2.0,
		FK1:                  4.0,
		ForcingType:          "linear",
		HistogramBins:        DefaultHistogramBins,
		MaxVelocityEstimate:  1.0,
		MaxVorticityEstimate: 1.0,
	}
}

func DefaultParticles() Particles {
	return Particles{
		NiterPart:        1,
		NParticles:       10,
		IntegrationSteps: 4,
		Neighbours:       1,
		Smoothness:       1,
	}
}

// Overrides maps parameter names to values applied on top of defaults.
type Overrides map[string]Value

// New builds a parameter snapshot for variant: defaults, then the particle
// group for NSVEp, then overrides in name order, then validation.
func New(variant Variant, overrides Overrides) (Parameters, error) {
	p := Parameters{Variant: variant, Fluid: DefaultFluid()}
	if variant == NSVEp {
		if err := p.Merge(DefaultParticles()); err != nil {
			return Parameters{}, err
		}
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.Set(name, overrides[name]); err != nil {
			return Parameters{}, err
		}
	}

	if err := p.Validate(); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// Merge attaches the particle extension group. It is only accepted for NSVEp
// and only once, so base parameters are never touched.
func (p *Parameters) Merge(ext Particles) error {
	if p.Variant != NSVEp {
		return fmt.Errorf("%w: particles for %s", ErrVariant, p.Variant)
	}
	if p.Particles != nil {
		return fmt.Errorf("%w: particles", ErrDuplicateGroup)
	}
	p.Particles = &ext
	return nil
}

// Set assigns a named parameter. Ints widen to floats; every other kind
// mismatch is rejected.
func (p *Parameters) Set(name string, v Value) error {
	if p.Particles != nil {
		// snapshots share the group pointer; copy before writing
		pp := *p.Particles
		p.Particles = &pp
	}
	b, ok := p.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	switch {
	case b.i != nil && v.Kind == KindInt:
		*b.i = int(v.Int)
	case b.f != nil && v.Kind == KindFloat:
		*b.f = v.Float
	case b.f != nil && v.Kind == KindInt:
		*b.f = float64(v.Int)
	case b.s != nil && v.Kind == KindString:
		*b.s = v.Str
	default:
		return fmt.Errorf("%w: %s is %s, got %s", ErrType, name, b.kind(), v.Kind)
	}
	return nil
}

// Get returns the value of a named parameter.
func (p Parameters) Get(name string) (Value, bool) {
	b, ok := p.lookup(name)
	if !ok {
		return Value{}, false
	}
	return b.value(), true
}

// Each calls fn for every parameter in name order.
func (p Parameters) Each(fn func(name string, v Value)) {
	bs := p.bindings()
	sort.Slice(bs, func(i, j int) bool { return bs[i].name < bs[j].name })
	for _, b := range bs {
		fn(b.name, b.value())
	}
}

// Validate checks the iteration divisibility relations.
func (p Parameters) Validate() error {
	f := p.Fluid
	if f.NX <= 0 || f.NY <= 0 || f.NZ <= 0 {
		return &ConfigurationError{Relation: "nx, ny, nz > 0"}
	}
	if f.HistogramBins <= 0 {
		return &ConfigurationError{Relation: "histogram_bins > 0"}
	}

	type relation struct {
		num, den         int
		numName, denName string
	}
	rels := []relation{
		{f.NiterTodo, f.NiterStat, "niter_todo", "niter_stat"},
		{f.NiterTodo, f.NiterOut, "niter_todo", "niter_out"},
		{f.NiterOut, f.NiterStat, "niter_out", "niter_stat"},
	}
	if p.Variant == NSVEp {
		if p.Particles == nil {
			return &ConfigurationError{Relation: "NSVEp requires the particle parameter group"}
		}
		rels = append(rels,
			relation{f.NiterTodo, p.Particles.NiterPart, "niter_todo", "niter_part"},
			relation{f.NiterOut, p.Particles.NiterPart, "niter_out", "niter_part"},
		)
	}

	for _, r := range rels {
		if r.den <= 0 {
			return &ConfigurationError{Relation: r.denName + " > 0"}
		}
		if r.num%r.den != 0 {
			return &ConfigurationError{
				Relation: fmt.Sprintf("%s %% %s == 0 (%d %% %d = %d)", r.numName, r.denName, r.num, r.den, r.num%r.den),
			}
		}
	}
	return nil
}

// Load reads a flat YAML mapping of parameter overrides.
func Load(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(Overrides, len(raw))
	for name, v := range raw {
		val, err := ValueOf(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}

// Save writes every parameter of p as a flat YAML mapping.
func Save(path string, p Parameters) error {
	raw := map[string]any{}
	p.Each(func(name string, v Value) {
		raw[name] = v.Any()
	})
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

type binding struct {
	name string
	i    *int
	f    *float64
	s    *string
}

func (b binding) kind() Kind {
	switch {
	case b.i != nil:
		return KindInt
	case b.f != nil:
		return KindFloat
	}
	return KindString
}

func (b binding) value() Value {
	switch {
	case b.i != nil:
		return Int(int64(*b.i))
	case b.f != nil:
		return Float(*b.f)
	}
	return String(*b.s)
}

func (p *Parameters) lookup(name string) (binding, bool) {
	for _, b := range p.bindings() {
		if b.name == name {
			return b, true
		}
	}
	return binding{}, false
}

func (p *Parameters) bindings() []binding {
	f := &p.Fluid
	bs := []binding{
		{name: "nx", i: &f.NX},
		{name: "ny", i: &f.NY},
		{name: "nz", i: &f.NZ},
		{name: "dkx", f: &f.DKX},
		{name: "dky", f: &f.DKY},
		{name: "dkz", f: &f.DKZ},
		{name: "dealias_type", i: &f.DealiasType},
		{name: "niter_todo", i: &f.NiterTodo},
		{name: "niter_stat", i: &f.NiterStat},
		{name: "niter_out", i: &f.NiterOut},
		{name: "checkpoints_per_file", i: &f.CheckpointsPerFile},
		{name: "dt", f: &f.Dt},
		{name: "nu", f: &f.Nu},
		{name: "fmode", i: &f.FMode},
		{name: "famplitude", f: &f.FAmplitude},
		{name: "fk0", f: &f.FK0},
		{name: "fk1", f: &f.FK1},
		{name: "forcing_type", s: &f.ForcingType},
		{name: "histogram_bins", i: &f.HistogramBins},
		{name: "max_velocity_estimate", f: &f.MaxVelocityEstimate},
		{name: "max_vorticity_estimate", f: &f.MaxVorticityEstimate},
	}
	if pp := p.Particles; pp != nil {
		bs = append(bs,
			binding{name: "niter_part", i: &pp.NiterPart},
			binding{name: "nparticles", i: &pp.NParticles},
			binding{name: "tracers0_integration_steps", i: &pp.IntegrationSteps},
			binding{name: "tracers0_neighbours", i: &pp.Neighbours},
			binding{name: "tracers0_smoothness", i: &pp.Smoothness},
		)
	}
	return bs
}

// Kind is the type of a parameter value.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a typed parameter value.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
}

func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// ValueOf converts a decoded scalar into a Value.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported value %v (%T)", ErrType, v, v)
}

// Any returns the Go value held by v.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	}
	return v.Str
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return v.Str
}
