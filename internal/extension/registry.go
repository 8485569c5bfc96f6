package extension

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/matt0x6f/irc-engine/internal/logger"
)

var (
	ErrUnresolved = errors.New("unresolved extension dependency")
	ErrCycle      = errors.New("extension dependency cycle")
	ErrNoFactory  = errors.New("extension has neither instance nor factory")
)

// DependencyError names the units involved in a failed resolution.
type DependencyError struct {
	Err error
	// Names holds the missing requirement, or the units forming a cycle.
	Names     []string
	Requester string
}

func (e *DependencyError) Error() string {
	switch {
	case errors.Is(e.Err, ErrCycle):
		return fmt.Sprintf("%v: %s", e.Err, strings.Join(append(e.Names, e.Names[0]), " -> "))
	case e.Requester != "":
		return fmt.Sprintf("%v: %q required by %q", e.Err, strings.Join(e.Names, ", "), e.Requester)
	default:
		return fmt.Sprintf("%v: %s", e.Err, strings.Join(e.Names, ", "))
	}
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// Catalog is the fixed set of built-in unit implementations consulted when
// a requirement is not declared explicitly.
type Catalog struct {
	descs []Descriptor
}

func NewCatalog(descs ...Descriptor) *Catalog {
	return &Catalog{descs: descs}
}

// Lookup finds a built-in by name or alias.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	for _, d := range c.descs {
		if d.satisfies(name) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Names lists the built-in unit names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.descs))
	for _, d := range c.descs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// Plan is a resolved activation order.
type Plan struct {
	descs []Descriptor
}

// Order returns unit names in activation order.
func (p *Plan) Order() []string {
	names := make([]string, len(p.descs))
	for i, d := range p.descs {
		names[i] = d.Name
	}
	return names
}

// Resolve topologically sorts declared units and everything they require.
// A requirement is matched first against an explicitly supplied instance,
// then against declared names and aliases, then against the catalog.
// Resolution is all-or-nothing.
func Resolve(declared []Descriptor, catalog *Catalog) (*Plan, error) {
	r := &resolver{
		declared: declared,
		catalog:  catalog,
		state:    make(map[string]int),
	}

	for _, d := range declared {
		if d.Name == "" {
			return nil, fmt.Errorf("failed to resolve extensions: declared unit without a name")
		}
		canonical, err := r.lookup(d.Name, "")
		if err != nil {
			return nil, err
		}
		if err := r.visit(canonical); err != nil {
			return nil, err
		}
	}

	plan := &Plan{descs: r.order}
	log := logger.For("extension")
	log.Debug().Strs("order", plan.Order()).Msg("Resolved extensions")
	return plan, nil
}

const (
	unvisited = iota
	visiting
	visited
)

type resolver struct {
	declared []Descriptor
	catalog  *Catalog
	state    map[string]int
	path     []string
	order    []Descriptor
}

func (r *resolver) lookup(name, requester string) (Descriptor, error) {
	for _, d := range r.declared {
		if d.satisfies(name) {
			return r.preferInstance(d), nil
		}
	}
	if d, ok := r.catalog.Lookup(name); ok {
		return r.preferInstance(d), nil
	}
	return Descriptor{}, &DependencyError{Err: ErrUnresolved, Names: []string{name}, Requester: requester}
}

// preferInstance swaps d for a declared descriptor of the same name that
// carries a ready instance.
func (r *resolver) preferInstance(d Descriptor) Descriptor {
	for _, x := range r.declared {
		if x.Instance != nil && x.Name == d.Name {
			return x
		}
	}
	return d
}

func (r *resolver) visit(d Descriptor) error {
	switch r.state[d.Name] {
	case visited:
		return nil
	case visiting:
		start := 0
		for i, n := range r.path {
			if n == d.Name {
				start = i
				break
			}
		}
		cycle := append([]string(nil), r.path[start:]...)
		return &DependencyError{Err: ErrCycle, Names: cycle}
	}

	r.state[d.Name] = visiting
	r.path = append(r.path, d.Name)

	for _, req := range d.Requires {
		dep, err := r.lookup(req, d.Name)
		if err != nil {
			return err
		}
		if err := r.visit(dep); err != nil {
			return err
		}
	}

	r.path = r.path[:len(r.path)-1]
	r.state[d.Name] = visited
	r.order = append(r.order, d)
	return nil
}

// Instantiate creates one unit per resolved descriptor.
func (p *Plan) Instantiate() (*Set, error) {
	s := &Set{}
	for _, d := range p.descs {
		u := d.Instance
		if u == nil {
			if d.New == nil {
				return nil, fmt.Errorf("failed to instantiate %q: %w", d.Name, ErrNoFactory)
			}
			u = d.New()
		}
		s.entries = append(s.entries, entry{desc: d, unit: u})
	}
	return s, nil
}
