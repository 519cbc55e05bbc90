// Package typing tracks active typing indicators keyed by
// (conversation, user) with a TTL. Entries expire either by an explicit
// typing:stop or by the periodic sweep, whichever comes first; an entry older
// than the TTL is treated as absent even before it is swept.
package typing

import (
	"sort"
	"time"

	"livechat-sync/internal/domain"
)

type key struct {
	conversationID string
	userID         string
}

// Registry is pure local bookkeeping; it never touches the network and is
// mutated only on the serialized dispatch path.
type Registry struct {
	ttl     time.Duration
	entries map[key]time.Time
	now     func() time.Time
}

// NewRegistry creates a registry with the given TTL. now may be nil, in
// which case time.Now is used; tests inject a fake clock.
func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		ttl:     ttl,
		entries: make(map[key]time.Time),
		now:     now,
	}
}

// Record inserts or refreshes a typing indicator.
func (r *Registry) Record(conversationID, userID string) {
	r.entries[key{conversationID, userID}] = r.now()
}

// Expire removes a single indicator, typically on an explicit typing:stop.
// Removing an absent entry is a no-op.
func (r *Registry) Expire(conversationID, userID string) {
	delete(r.entries, key{conversationID, userID})
}

// Sweep removes all entries older than the TTL and returns them.
func (r *Registry) Sweep() []domain.TypingIndicator {
	now := r.now()
	var removed []domain.TypingIndicator
	for k, startedAt := range r.entries {
		if now.Sub(startedAt) >= r.ttl {
			removed = append(removed, domain.TypingIndicator{
				ConversationID: k.conversationID,
				UserID:         k.userID,
				StartedAt:      startedAt,
			})
			delete(r.entries, k)
		}
	}
	return removed
}

// ActiveFor returns the users currently typing in a conversation, sorted for
// stable output. Entries past the TTL are skipped even if not yet swept.
func (r *Registry) ActiveFor(conversationID string) []string {
	now := r.now()
	var users []string
	for k, startedAt := range r.entries {
		if k.conversationID != conversationID {
			continue
		}
		if now.Sub(startedAt) >= r.ttl {
			continue
		}
		users = append(users, k.userID)
	}
	sort.Strings(users)
	return users
}

// Clear drops every indicator, used on resync after a reconnect.
func (r *Registry) Clear() {
	r.entries = make(map[key]time.Time)
}

// Len reports the number of stored entries, including not-yet-swept ones.
func (r *Registry) Len() int {
	return len(r.entries)
}
