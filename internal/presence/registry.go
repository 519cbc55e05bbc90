// Package presence tracks the online status of tenant users. A user absent
// from the map is offline.
package presence

import (
	"sort"

	"livechat-sync/internal/domain"
)

// Registry is a plain status map, mutated only on the serialized dispatch
// path.
type Registry struct {
	users map[string]domain.PresenceStatus
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]domain.PresenceStatus)}
}

// Set records a user's status. An offline status removes the entry.
func (r *Registry) Set(userID string, st domain.PresenceStatus) {
	if st == domain.PresenceOffline {
		delete(r.users, userID)
		return
	}
	r.users[userID] = st
}

// Remove marks a user offline.
func (r *Registry) Remove(userID string) {
	delete(r.users, userID)
}

// Get returns the status for a user; offline users report ok=false.
func (r *Registry) Get(userID string) (domain.PresenceStatus, bool) {
	st, ok := r.users[userID]
	return st, ok
}

// Snapshot returns all known entries sorted by user id.
func (r *Registry) Snapshot() []domain.PresenceEntry {
	entries := make([]domain.PresenceEntry, 0, len(r.users))
	for id, st := range r.users {
		entries = append(entries, domain.PresenceEntry{UserID: id, Status: st})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Clear drops every entry, used on resync after a reconnect.
func (r *Registry) Clear() {
	r.users = make(map[string]domain.PresenceStatus)
}

// Len reports the number of users currently online in any state.
func (r *Registry) Len() int {
	return len(r.users)
}
