package sentiment

import (
	"github.com/pkg/errors"
)

// Domain is one product review corpus: a name and its tokenized examples.
type Domain struct {
	Name     string
	Examples []*Example
}

// Registry holds the domains of a run in a fixed order, along with the shared
// vocabulary. It is immutable after construction: per-fold domain slots are
// derived from the registry order by the fold logic, never written back here.
type Registry struct {
	vocab   *Vocab
	domains []*Domain
	byName  map[string]int
}

// NewRegistry creates a registry from the given domains, which must have unique names.
func NewRegistry(vocab *Vocab, domains []*Domain) (*Registry, error) {
	r := &Registry{
		vocab:   vocab,
		domains: domains,
		byName:  make(map[string]int, len(domains)),
	}
	for ii, d := range domains {
		if _, found := r.byName[d.Name]; found {
			return nil, errors.Errorf("duplicate domain %q in registry", d.Name)
		}
		r.byName[d.Name] = ii
	}
	return r, nil
}

// Vocab shared by all domains of the registry.
func (r *Registry) Vocab() *Vocab { return r.vocab }

// NumDomains in the registry.
func (r *Registry) NumDomains() int { return len(r.domains) }

// Domain returns the domain at the given registry position.
func (r *Registry) Domain(idx int) *Domain { return r.domains[idx] }

// Name of the domain at the given registry position.
func (r *Registry) Name(idx int) string { return r.domains[idx].Name }

// Names of all domains, in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.domains))
	for ii, d := range r.domains {
		names[ii] = d.Name
	}
	return names
}

// IndexOf returns the registry position of the named domain.
func (r *Registry) IndexOf(name string) (int, bool) {
	idx, found := r.byName[name]
	return idx, found
}

// Size returns the number of examples of the domain at the given registry position.
func (r *Registry) Size(idx int) int { return len(r.domains[idx].Examples) }
