package finding

import "strings"

// Transition is the classified change for one entity between two runs
type Transition string

const (
	// TransitionSame means no change worth a log entry
	TransitionSame Transition = "same"
	// TransitionNew means failing now, never failed under this identity before
	TransitionNew Transition = "new"
	// TransitionFixed means failed before, passing or gone now
	TransitionFixed Transition = "fixed"
	// TransitionRegression means failing again after having been fixed
	TransitionRegression Transition = "regression"
	// TransitionExceptionAdded means a reviewer granted an exception
	TransitionExceptionAdded Transition = "exception-added"
	// TransitionExceptionRemoved means a granted exception was revoked
	TransitionExceptionRemoved Transition = "exception-removed"
)

// IsValid checks whether the transition is one of the known changes
func (t Transition) IsValid() bool {
	switch t {
	case TransitionSame, TransitionNew, TransitionFixed, TransitionRegression,
		TransitionExceptionAdded, TransitionExceptionRemoved:
		return true
	default:
		return false
	}
}

// Logged reports whether the transition produces an action log entry
func (t Transition) Logged() bool {
	return t != "" && t != TransitionSame
}

// Label renders the transition the way reports print it, e.g. EXCEPTION_ADDED
func (t Transition) Label() string {
	return strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
}
