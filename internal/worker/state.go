// Package worker is the background worker lifecycle: install and activate
// versioned workers, keep one version in control, and serve the offline
// proxy from the active version's cache.
package worker

import (
	"errors"
	"fmt"
)

// State is a worker lifecycle state. A worker in StateInstalled is waiting.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Event drives a state transition.
type Event string

const (
	EventInstall       Event = "install"
	EventInstalled     Event = "installed"
	EventInstallFailed Event = "install_failed"
	EventActivate      Event = "activate"
	EventActivated     Event = "activated"
	EventReplaced      Event = "replaced"
)

// ErrIllegalTransition is returned for an event the current state does not
// accept.
var ErrIllegalTransition = errors.New("illegal worker transition")

var transitions = map[State]map[Event]State{
	StateParsed: {
		EventInstall: StateInstalling,
	},
	StateInstalling: {
		EventInstalled:     StateInstalled,
		EventInstallFailed: StateRedundant,
	},
	StateInstalled: {
		EventActivate: StateActivating,
		EventReplaced: StateRedundant,
	},
	StateActivating: {
		EventActivated: StateActivated,
	},
	StateActivated: {
		EventReplaced: StateRedundant,
	},
}

// Transition returns the state reached from s on e.
func Transition(s State, e Event) (State, error) {
	next, ok := transitions[s][e]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, e)
	}
	return next, nil
}
