package fanvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
)

// LifecycleStatus is the NIST-aligned lifecycle state of a key. It answers
// "is this key authorized?" and is deliberately a different type from
// Availability, which answers "is the backing device here right now?".
type LifecycleStatus string

const (
	StatusPreActivation LifecycleStatus = "pre_activation"
	StatusActive        LifecycleStatus = "active"
	StatusSuspended     LifecycleStatus = "suspended"
	StatusDeactivated   LifecycleStatus = "deactivated"
	StatusDestroyed     LifecycleStatus = "destroyed"
	StatusCompromised   LifecycleStatus = "compromised"
)

// Terminal reports whether no further transition is possible from s.
func (s LifecycleStatus) Terminal() bool {
	return s == StatusDestroyed
}

// StatusHistoryEntry is an append-only record of one successful lifecycle
// transition. Entries are never mutated or deleted.
type StatusHistoryEntry struct {
	From      LifecycleStatus `json:"from"`
	To        LifecycleStatus `json:"to"`
	Reason    string          `json:"reason,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// lifecycleEvents is the full transition graph. Restores are split into two
// events because a restore must return the key to its exact prior status.
var lifecycleEvents = fsm.Events{
	{Name: "activate", Src: []string{string(StatusPreActivation)}, Dst: string(StatusActive)},
	{Name: "suspend", Src: []string{string(StatusActive)}, Dst: string(StatusSuspended)},
	{Name: "resume", Src: []string{string(StatusSuspended)}, Dst: string(StatusActive)},
	{Name: "deactivate", Src: []string{string(StatusActive), string(StatusSuspended)}, Dst: string(StatusDeactivated)},
	{Name: "restore-active", Src: []string{string(StatusDeactivated)}, Dst: string(StatusActive)},
	{Name: "restore-suspended", Src: []string{string(StatusDeactivated)}, Dst: string(StatusSuspended)},
	{Name: "compromise", Src: []string{string(StatusPreActivation), string(StatusActive), string(StatusSuspended), string(StatusDeactivated)}, Dst: string(StatusCompromised)},
	{Name: "destroy", Src: []string{string(StatusDeactivated), string(StatusCompromised)}, Dst: string(StatusDestroyed)},
}

// eventFor returns the event name for the edge from -> to, or "" when the
// edge is not in the graph.
func eventFor(from, to LifecycleStatus) string {
	for _, ev := range lifecycleEvents {
		if ev.Dst != string(to) {
			continue
		}
		for _, src := range ev.Src {
			if src == string(from) {
				return ev.Name
			}
		}
	}
	return ""
}

// Lifecycle validates and records lifecycle transitions for keys. It owns no
// key state itself; callers pass the key to mutate.
type Lifecycle struct {
	clock func() time.Time
}

// NewLifecycle returns a state machine using the wall clock.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{clock: time.Now}
}

// Transition moves key to target, appending exactly one history entry on
// success. An edge missing from the graph fails with InvalidTransitionError
// and leaves the key untouched. The attachment-triggered Active -> Active
// call is the one idempotent case: it succeeds as a no-op with no history
// entry. All other same-state calls are invalid transitions.
func (l *Lifecycle) Transition(key *KeyEntry, target LifecycleStatus, reason, actor string) error {
	current := key.Lifecycle

	if current == target {
		if current == StatusActive {
			return nil
		}
		return &InvalidTransitionError{KeyID: key.ID, From: current, To: target}
	}

	event := eventFor(current, target)
	if event == "" {
		return &InvalidTransitionError{KeyID: key.ID, From: current, To: target}
	}

	machine := fsm.NewFSM(string(current), lifecycleEvents, nil)
	if err := machine.Event(context.Background(), event); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return &InvalidTransitionError{KeyID: key.ID, From: current, To: target}
		}
		return fmt.Errorf("lifecycle transition %s -> %s: %w", current, target, err)
	}

	key.Lifecycle = LifecycleStatus(machine.Current())
	key.History = append(key.History, StatusHistoryEntry{
		From:      current,
		To:        key.Lifecycle,
		Reason:    reason,
		Actor:     actor,
		Timestamp: l.clock().UTC(),
	})
	return nil
}

// CanTransition reports whether the edge current -> target exists, without
// mutating anything. The idempotent Active -> Active case reports true.
func (l *Lifecycle) CanTransition(key *KeyEntry, target LifecycleStatus) bool {
	if key.Lifecycle == StatusActive && target == StatusActive {
		return true
	}
	return eventFor(key.Lifecycle, target) != ""
}

// AvailableTransitions lists the statuses reachable from the key's current
// status.
func (l *Lifecycle) AvailableTransitions(key *KeyEntry) []LifecycleStatus {
	machine := fsm.NewFSM(string(key.Lifecycle), lifecycleEvents, nil)
	var out []LifecycleStatus
	seen := make(map[LifecycleStatus]bool)
	for _, name := range machine.AvailableTransitions() {
		for _, ev := range lifecycleEvents {
			if ev.Name == name {
				dst := LifecycleStatus(ev.Dst)
				if !seen[dst] {
					seen[dst] = true
					out = append(out, dst)
				}
			}
		}
	}
	return out
}
