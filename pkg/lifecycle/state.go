// Package lifecycle drives the install and activate transitions of agent
// versions. The state machine itself is a pure function; a Worker executes
// the effects it produces against the store and the network.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is a worker lifecycle state.
type State string

const (
	StateUninstalled      State = "uninstalled"
	StateInstalling       State = "installing"
	StateInstalledWaiting State = "installed-waiting"
	StateActive           State = "active"
	StateSuperseded       State = "superseded"
)

// Event drives a transition.
type Event string

const (
	EventInstall          Event = "install"
	EventInstallSucceeded Event = "install-succeeded"
	EventInstallFailed    Event = "install-failed"
	EventActivate         Event = "activate"
	EventSupersede        Event = "supersede"

	// EventRestore reactivates a version whose static namespace is already
	// in the store, without precaching.
	EventRestore Event = "restore"
)

// Effect is a side effect a transition asks the worker to run, in order.
type Effect string

const (
	// EffectPrecacheStatic fetches the static asset list in one batch.
	EffectPrecacheStatic Effect = "precache-static"

	// EffectPrecacheOffline fetches the offline page on its own.
	EffectPrecacheOffline Effect = "precache-offline"

	// EffectSkipWaiting asks for activation without waiting for clients.
	EffectSkipWaiting Effect = "skip-waiting"

	// EffectDeleteStaleNamespaces drops namespaces of other versions.
	EffectDeleteStaleNamespaces Effect = "delete-stale-namespaces"

	// EffectExpireDynamic expires stale entries of the dynamic namespace.
	EffectExpireDynamic Effect = "expire-dynamic"

	// EffectClaimClients takes over request handling.
	EffectClaimClients Effect = "claim-clients"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Transition returns the state reached from s on ev and the effects to run.
func Transition(s State, ev Event) (State, []Effect, error) {
	switch {
	case s == StateUninstalled && ev == EventInstall:
		return StateInstalling, []Effect{EffectPrecacheStatic, EffectPrecacheOffline}, nil
	case s == StateInstalling && ev == EventInstallSucceeded:
		return StateInstalledWaiting, []Effect{EffectSkipWaiting}, nil
	case s == StateInstalling && ev == EventInstallFailed:
		return StateUninstalled, nil, nil
	case s == StateInstalledWaiting && ev == EventActivate:
		return StateActive, []Effect{EffectDeleteStaleNamespaces, EffectExpireDynamic, EffectClaimClients}, nil
	case s == StateUninstalled && ev == EventRestore:
		return StateActive, []Effect{EffectExpireDynamic, EffectClaimClients}, nil
	case (s == StateInstalledWaiting || s == StateActive) && ev == EventSupersede:
		return StateSuperseded, nil, nil
	}
	return s, nil, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, s)
}
