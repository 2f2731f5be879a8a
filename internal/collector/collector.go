package collector

import (
	"context"

	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
)

// Collector gathers observations of one entity kind from one target. A
// collector reports every audited entity it sees, passing ones included, so
// the diff can tell a fixed entity from a vanished one
type Collector interface {
	// Kind returns the entity kind this collector audits
	Kind() entity.Kind

	// Collect scans one target and returns an observation per audited
	// entity. An error means the target could not be scanned for this kind
	// and no partial results are returned
	Collect(ctx context.Context, target config.Target) ([]finding.Observation, error)
}

// Registry maps entity kinds onto their collectors
type Registry map[entity.Kind]Collector

// NewRegistry builds a registry from collectors, last one wins per kind
func NewRegistry(collectors ...Collector) Registry {
	r := make(Registry, len(collectors))
	for _, c := range collectors {
		r[c.Kind()] = c
	}
	return r
}

// Kinds returns the registered kinds in commit order
func (r Registry) Kinds() []entity.Kind {
	var kinds []entity.Kind
	for _, k := range entity.Kinds() {
		if _, ok := r[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
