package detector

import (
	"github.com/servaudit/servaudit/internal/domain/finding"
)

// ChangeDetector classifies what happened to one entity between two runs
type ChangeDetector struct{}

// NewChangeDetector creates a new change detector
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Comparison captures everything known about one entity when the current
// scan is compared against an earlier run
type Comparison struct {
	// Present is true when the entity was observed in the current scan
	Present bool
	// Status is the current check outcome, meaningful only when Present
	Status finding.Status
	// Previous is the entity's state in the comparison run, nil when the
	// entity had none
	Previous *finding.State
	// Excepted is true when an active exception covers the entity now
	Excepted bool
	// EverFailed is true when this identity failed in any earlier run
	EverFailed bool
}

// Classify returns the transition for a comparison. The cases are ordered so
// that new and regression outrank the exception transitions: an entity that
// starts failing and gains an exception in the same cycle logs the failure,
// and the exception shows up on its state record instead
func (d *ChangeDetector) Classify(c Comparison) finding.Transition {
	currFailing := c.Present && c.Status.Failing()
	prevFailing := c.Previous != nil && c.Previous.Status.Failing()
	prevExcepted := c.Previous != nil && c.Previous.Excepted

	switch {
	case currFailing && !prevFailing && !c.EverFailed:
		return finding.TransitionNew
	case currFailing && !prevFailing:
		return finding.TransitionRegression
	case prevFailing && !currFailing:
		return finding.TransitionFixed
	case currFailing && prevFailing && c.Excepted && !prevExcepted:
		return finding.TransitionExceptionAdded
	case currFailing && prevFailing && !c.Excepted && prevExcepted:
		return finding.TransitionExceptionRemoved
	default:
		return finding.TransitionSame
	}
}
