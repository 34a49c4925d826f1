package prune

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Param is one named, learned array.
type Param struct {
	Name  string    `msgpack:"name"`
	Shape []int     `msgpack:"shape"`
	Data  []float64 `msgpack:"data"`
}

// Scalar returns the first element, used for scalar parameters.
func (p *Param) Scalar() float64 { return p.Data[0] }

// Params is the store of every learned parameter of a network, keyed by a
// dotted path such as "stages.0.conv1.weight". Layers register their
// parameters while the network is built; Forward only reads them.
type Params struct {
	byName map[string]*Param
	order  []string
	rng    *rand.Rand
}

// NewParams creates an empty store whose initial values are drawn from a
// generator seeded with seed.
func NewParams(seed int64) *Params {
	return &Params{
		byName: make(map[string]*Param),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Get looks up a parameter by name.
func (ps *Params) Get(name string) (*Param, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Names returns parameter names in registration order.
func (ps *Params) Names() []string {
	out := make([]string, len(ps.order))
	copy(out, ps.order)
	return out
}

// Count returns the total number of learned scalars.
func (ps *Params) Count() int {
	total := 0
	for _, p := range ps.byName {
		total += len(p.Data)
	}
	return total
}

// Sorted returns all parameters ordered by name.
func (ps *Params) Sorted() []*Param {
	out := make([]*Param, 0, len(ps.byName))
	for _, p := range ps.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (ps *Params) register(name string, shape []int, data []float64) *Param {
	if _, dup := ps.byName[name]; dup {
		panic(fmt.Sprintf("parameter %q registered twice", name))
	}
	p := &Param{Name: name, Shape: shape, Data: data}
	ps.byName[name] = p
	ps.order = append(ps.order, name)
	return p
}

// scope hands out parameters under a common name prefix.
type scope struct {
	ps     *Params
	prefix string
}

func (ps *Params) root(prefix string) scope {
	return scope{ps: ps, prefix: prefix}
}

func (s scope) sub(name string) scope {
	if s.prefix == "" {
		return scope{ps: s.ps, prefix: name}
	}
	return scope{ps: s.ps, prefix: s.prefix + "." + name}
}

func (s scope) index(i int) scope {
	return s.sub(fmt.Sprint(i))
}

func (s scope) name(leaf string) string {
	if s.prefix == "" {
		return leaf
	}
	return s.prefix + "." + leaf
}

func shapeLen(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// uniform registers a parameter drawn from U(-bound, bound).
func (s scope) uniform(leaf string, bound float64, shape ...int) *Param {
	data := make([]float64, shapeLen(shape))
	for i := range data {
		data[i] = (s.ps.rng.Float64()*2 - 1) * bound
	}
	return s.ps.register(s.name(leaf), shape, data)
}

// constant registers a parameter filled with v.
func (s scope) constant(leaf string, v float64, shape ...int) *Param {
	data := make([]float64, shapeLen(shape))
	for i := range data {
		data[i] = v
	}
	return s.ps.register(s.name(leaf), shape, data)
}

// fanInBound is the default initialization range of a projection with
// fanIn inputs.
func fanInBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}
