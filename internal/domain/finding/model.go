package finding

import (
	"time"

	"github.com/servaudit/servaudit/internal/domain/entity"
)

// Status is the technical outcome of one check against one entity
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
)

// Failing reports whether the status represents an open issue. Warnings
// carry the same annotation and transition semantics as failures
func (s Status) Failing() bool {
	return s == StatusFail || s == StatusWarn
}

// IsValid checks whether the status is one of the known outcomes
func (s Status) IsValid() bool {
	switch s {
	case StatusPass, StatusFail, StatusWarn:
		return true
	default:
		return false
	}
}

// Observation is the raw fact a collector reports for one entity in one
// scan. It carries no identity token; resolution happens during the diff
type Observation struct {
	Kind   entity.Kind `json:"kind"`
	Target string      `json:"target"`
	Scope  string      `json:"scope,omitempty"`
	Name   string      `json:"name"`
	Status Status      `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// LegacyKey derives the observation's deterministic fallback key
func (o Observation) LegacyKey() string {
	return entity.LegacyKey(o.Target, o.Scope, o.Name)
}

// State is the reconciled per-run record for one entity: the observation
// merged with its resolved identity and the transitions detected against
// the baseline run and the previous run. States are written once per
// category commit and never mutated afterwards
type State struct {
	RunID     int64       `json:"run_id"`
	Kind      entity.Kind `json:"kind"`
	Identity  string      `json:"identity"`
	LegacyKey string      `json:"legacy_key"`
	Target    string      `json:"target"`
	Scope     string      `json:"scope,omitempty"`
	Name      string      `json:"name"`
	Status    Status      `json:"status"`
	Detail    string      `json:"detail,omitempty"`

	// Excepted snapshots whether an active exception covered the entity when
	// the run committed; the next cycle reads it instead of re-deriving
	// historical annotation state
	Excepted bool `json:"excepted"`

	// Carried marks a state copied forward because the entity's target was
	// unreachable this cycle. Carried states keep the prior status and never
	// produce transitions
	Carried bool `json:"carried,omitempty"`

	VsPrevious Transition `json:"vs_previous"`
	VsBaseline Transition `json:"vs_baseline"`
	RecordedAt time.Time  `json:"recorded_at"`
}
