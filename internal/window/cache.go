// Package window holds, per conversation, a page-able gap-free suffix of the
// message timeline: the latest page plus lazily loaded older pages, merged
// with live inserts and optimistic sends.
package window

import (
	"sort"

	"github.com/google/uuid"

	"livechat-sync/internal/domain"
	"livechat-sync/internal/status"
)

// Page is one backward-pagination result from the backend. HasMore signals
// whether an older page exists.
type Page struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

type pendingSend struct {
	conversationID string
	provisionalID  string
	failed         bool
}

type conversationWindow struct {
	messages     []domain.Message
	ids          map[string]struct{}
	hasMore      bool
	loadingOlder bool
	// nextPage is the next older page to request; the latest page is 1.
	nextPage   int
	generation uint64
}

func newConversationWindow() *conversationWindow {
	return &conversationWindow{
		ids:      make(map[string]struct{}),
		nextPage: 2,
	}
}

func (w *conversationWindow) insert(msg domain.Message) {
	if n := len(w.messages); n == 0 || w.messages[n-1].Before(msg) {
		w.messages = append(w.messages, msg)
	} else {
		i := sort.Search(n, func(i int) bool { return msg.Before(w.messages[i]) })
		w.messages = append(w.messages, domain.Message{})
		copy(w.messages[i+1:], w.messages[i:])
		w.messages[i] = msg
	}
	w.ids[msg.ID] = struct{}{}
}

func (w *conversationWindow) remove(id string) bool {
	for i := range w.messages {
		if w.messages[i].ID == id {
			w.messages = append(w.messages[:i], w.messages[i+1:]...)
			delete(w.ids, id)
			return true
		}
	}
	return false
}

func (w *conversationWindow) index(id string) int {
	for i := range w.messages {
		if w.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Cache is the message window store for all conversations. It is not safe
// for concurrent use; the orchestrator serializes every mutation on its
// dispatch loop.
type Cache struct {
	pageSize int
	windows  map[string]*conversationWindow
	// pending maps a correlation token to an optimistic send awaiting its ack.
	pending  map[string]*pendingSend
	statuses *status.Machine
}

func NewCache(pageSize int) *Cache {
	return &Cache{
		pageSize: pageSize,
		windows:  make(map[string]*conversationWindow),
		pending:  make(map[string]*pendingSend),
		statuses: status.NewMachine(),
	}
}

func (c *Cache) PageSize() int {
	return c.pageSize
}

func (c *Cache) windowFor(conversationID string) *conversationWindow {
	w, ok := c.windows[conversationID]
	if !ok {
		w = newConversationWindow()
		c.windows[conversationID] = w
	}
	return w
}

// BeginLatest marks the start of a loadLatest and returns the load
// generation. Any in-flight load for the conversation launched before this
// call becomes stale and will be dropped on arrival.
func (c *Cache) BeginLatest(conversationID string) uint64 {
	w := c.windowFor(conversationID)
	w.generation++
	w.loadingOlder = false
	return w.generation
}

// ApplyLatest replaces the conversation window with the most recent page.
// The result is dropped if a newer load has been started since. Optimistic
// messages still awaiting their ack (or marked failed) survive the replace:
// they exist only locally and would otherwise vanish.
func (c *Cache) ApplyLatest(conversationID string, generation uint64, page Page) bool {
	w, ok := c.windows[conversationID]
	if !ok || w.generation != generation {
		return false
	}

	var provisional []domain.Message
	for _, p := range c.pending {
		if p.conversationID != conversationID {
			continue
		}
		if i := w.index(p.provisionalID); i >= 0 {
			provisional = append(provisional, w.messages[i])
		}
	}

	w.messages = w.messages[:0]
	w.ids = make(map[string]struct{})
	for _, msg := range page.Messages {
		if _, dup := w.ids[msg.ID]; dup {
			continue
		}
		w.insert(msg)
		// The server page is authoritative after a resync.
		c.statuses.Forget(msg.ID)
		c.statuses.Track(msg.ID, msg.Status)
	}
	for _, msg := range provisional {
		w.insert(msg)
	}
	w.hasMore = page.HasMore
	w.nextPage = 2
	w.loadingOlder = false
	return true
}

// BeginOlder marks the start of a loadOlder and returns the page number to
// fetch plus the load generation. ok is false while another older-page load
// is in flight, when no more pages exist, or when the window was never
// loaded.
func (c *Cache) BeginOlder(conversationID string) (page int, generation uint64, ok bool) {
	w, found := c.windows[conversationID]
	if !found || w.loadingOlder || !w.hasMore {
		return 0, 0, false
	}
	w.loadingOlder = true
	return w.nextPage, w.generation, true
}

// ApplyOlder prepends an older page. Stale results (a loadLatest bumped the
// generation meanwhile) are dropped without touching the window.
func (c *Cache) ApplyOlder(conversationID string, generation uint64, page Page) bool {
	w, ok := c.windows[conversationID]
	if !ok || w.generation != generation {
		return false
	}
	w.loadingOlder = false
	for _, msg := range page.Messages {
		if _, dup := w.ids[msg.ID]; dup {
			continue
		}
		w.insert(msg)
		c.statuses.Track(msg.ID, msg.Status)
	}
	w.hasMore = page.HasMore
	w.nextPage++
	return true
}

// AbortOlder clears the in-flight flag after a failed older-page load so the
// UI can retry.
func (c *Cache) AbortOlder(conversationID string, generation uint64) {
	if w, ok := c.windows[conversationID]; ok && w.generation == generation {
		w.loadingOlder = false
	}
}

// ApplyIncoming inserts a live message preserving total order. A duplicate id
// (resync overlap, redelivery) is a no-op and reports false.
func (c *Cache) ApplyIncoming(msg domain.Message) bool {
	w := c.windowFor(msg.ConversationID)
	if _, dup := w.ids[msg.ID]; dup {
		return false
	}
	w.insert(msg)
	c.statuses.Track(msg.ID, msg.Status)
	return true
}

// ApplyOptimistic inserts a locally originated message with a provisional id
// and pending status, returning the correlation token for reconciliation.
func (c *Cache) ApplyOptimistic(conversationID string, msg domain.Message) string {
	w := c.windowFor(conversationID)
	w.insert(msg)
	c.statuses.Track(msg.ID, msg.Status)

	token := uuid.NewString()
	c.pending[token] = &pendingSend{
		conversationID: conversationID,
		provisionalID:  msg.ID,
	}
	return token
}

// Reconcile replaces the provisional entry with the server-confirmed message,
// keeping its window position. The server timestamp is adopted only when it
// does not regress behind the preceding message, so the sender's display
// order stays monotonic. Failed is terminal: a late ack after ReconcileFailure
// is ignored, matching the status machine.
func (c *Cache) Reconcile(token string, server domain.Message) bool {
	p, ok := c.pending[token]
	if !ok || p.failed {
		return false
	}
	delete(c.pending, token)

	w, ok := c.windows[p.conversationID]
	if !ok {
		return false
	}
	if _, dup := w.ids[server.ID]; dup {
		// message:new for the server id won the race; drop the provisional
		// entry and converge on the already-inserted copy.
		w.remove(p.provisionalID)
		c.statuses.Forget(p.provisionalID)
		return true
	}
	i := w.index(p.provisionalID)
	if i < 0 {
		return false
	}

	entry := w.messages[i]
	createdAt := server.CreatedAt
	if i > 0 && createdAt.Before(w.messages[i-1].CreatedAt) {
		createdAt = entry.CreatedAt
	}
	delete(w.ids, entry.ID)
	entry.ID = server.ID
	entry.Status = server.Status
	entry.CreatedAt = createdAt
	if server.Content != "" {
		entry.Content = server.Content
	}
	if server.Metadata != nil {
		entry.Metadata = server.Metadata
	}
	w.messages[i] = entry
	w.ids[entry.ID] = struct{}{}
	c.statuses.Rebind(p.provisionalID, server.ID, server.Status)
	return true
}

// ReconcileFailure marks the provisional entry failed. The message stays in
// the window so the UI can offer retry or removal; it is never silently
// dropped.
func (c *Cache) ReconcileFailure(token string) bool {
	p, ok := c.pending[token]
	if !ok {
		return false
	}
	w, ok := c.windows[p.conversationID]
	if !ok {
		return false
	}
	i := w.index(p.provisionalID)
	if i < 0 {
		return false
	}
	if !c.statuses.Apply(p.provisionalID, domain.StatusFailed) {
		return false
	}
	w.messages[i].Status = domain.StatusFailed
	p.failed = true
	return true
}

// Remove deletes a message from its window, used by the UI to discard a
// failed optimistic send.
func (c *Cache) Remove(conversationID, messageID string) bool {
	w, ok := c.windows[conversationID]
	if !ok {
		return false
	}
	if !w.remove(messageID) {
		return false
	}
	c.statuses.Forget(messageID)
	for token, p := range c.pending {
		if p.provisionalID == messageID {
			delete(c.pending, token)
		}
	}
	return true
}

// ApplyStatus runs a message:status event through the status machine.
// Regressive transitions and unknown message ids are discarded.
func (c *Cache) ApplyStatus(conversationID, messageID string, st domain.MessageStatus) bool {
	w, ok := c.windows[conversationID]
	if !ok {
		return false
	}
	i := w.index(messageID)
	if i < 0 {
		return false
	}
	if !c.statuses.Apply(messageID, st) {
		return false
	}
	w.messages[i].Status = st
	return true
}

// ConversationForToken resolves the conversation an optimistic send belongs
// to, or "" for an unknown token.
func (c *Cache) ConversationForToken(token string) string {
	if p, ok := c.pending[token]; ok {
		return p.conversationID
	}
	return ""
}

// Status exposes the tracked status for a message id.
func (c *Cache) Status(messageID string) (domain.MessageStatus, bool) {
	return c.statuses.Status(messageID)
}

// Messages returns a copy of the conversation's window in display order.
func (c *Cache) Messages(conversationID string) []domain.Message {
	w, ok := c.windows[conversationID]
	if !ok {
		return nil
	}
	out := make([]domain.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// HasMore reports whether an older page exists for the conversation.
func (c *Cache) HasMore(conversationID string) bool {
	w, ok := c.windows[conversationID]
	return ok && w.hasMore
}

// LoadingOlder reports whether an older-page load is in flight.
func (c *Cache) LoadingOlder(conversationID string) bool {
	w, ok := c.windows[conversationID]
	return ok && w.loadingOlder
}

// IncomingIDs returns the ids of incoming messages in the window, used to
// emit read receipts for a whole conversation.
func (c *Cache) IncomingIDs(conversationID string) []string {
	w, ok := c.windows[conversationID]
	if !ok {
		return nil
	}
	var ids []string
	for _, msg := range w.messages {
		if msg.Direction == domain.DirectionIncoming {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}
