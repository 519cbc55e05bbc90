// Package status enforces the message delivery status state machine:
// pending → sent → delivered → read, with failed as a parallel terminal
// reachable only from pending or sent. Regressive updates are discarded so
// transport reordering cannot roll a message's status backwards.
package status

import "livechat-sync/internal/domain"

var rank = map[domain.MessageStatus]int{
	domain.StatusPending:   0,
	domain.StatusSent:      1,
	domain.StatusDelivered: 2,
	domain.StatusRead:      3,
}

// Allowed reports whether a transition from one status to the next is valid.
// failed is terminal; any other transition must move strictly forward.
func Allowed(from, to domain.MessageStatus) bool {
	if from == domain.StatusFailed {
		return false
	}
	if to == domain.StatusFailed {
		return from == domain.StatusPending || from == domain.StatusSent
	}
	rf, okFrom := rank[from]
	rt, okTo := rank[to]
	if !okFrom || !okTo {
		return false
	}
	return rt > rf
}

// Machine tracks the current status of known message ids and applies the
// transition rules. It is not safe for concurrent use; callers serialize
// access on the dispatch path.
type Machine struct {
	statuses map[string]domain.MessageStatus
}

func NewMachine() *Machine {
	return &Machine{statuses: make(map[string]domain.MessageStatus)}
}

// Track registers a message id with its initial status. Re-tracking an id
// keeps the recorded status so duplicate inserts cannot regress it.
func (m *Machine) Track(id string, st domain.MessageStatus) {
	if _, ok := m.statuses[id]; ok {
		return
	}
	m.statuses[id] = st
}

// Apply attempts a transition and reports whether it was accepted.
// Unknown ids and invalid transitions are rejected without effect.
func (m *Machine) Apply(id string, next domain.MessageStatus) bool {
	cur, ok := m.statuses[id]
	if !ok {
		return false
	}
	if !Allowed(cur, next) {
		return false
	}
	m.statuses[id] = next
	return true
}

// Status returns the recorded status for an id.
func (m *Machine) Status(id string) (domain.MessageStatus, bool) {
	st, ok := m.statuses[id]
	return st, ok
}

// Rebind moves a tracked entry from a provisional id to its server id and
// sets the given status, used when an optimistic send is reconciled.
func (m *Machine) Rebind(provisionalID, serverID string, st domain.MessageStatus) {
	delete(m.statuses, provisionalID)
	m.statuses[serverID] = st
}

// Forget drops a tracked id.
func (m *Machine) Forget(id string) {
	delete(m.statuses, id)
}
