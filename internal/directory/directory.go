// Package directory maintains the filtered, sorted conversation list the
// agent sees, aggregating last-message previews and unread counts from live
// events. It is the single owner of filter and sort state.
package directory

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"livechat-sync/internal/domain"
)

type SortKey string

const (
	SortLastMessageTime SortKey = "lastMessageTime"
	SortCreatedAt       SortKey = "createdAt"
	SortPriority        SortKey = "priority"
	SortUnreadCount     SortKey = "unreadCount"
)

// AgentUnassigned is the sentinel value for the assigned-agent filter that
// matches conversations without an assignee.
const AgentUnassigned = "unassigned"

// Filters are AND-combined; nil/zero fields do not constrain.
type Filters struct {
	Status        *domain.ConversationStatus `json:"status,omitempty"`
	Channel       *domain.Channel            `json:"channel,omitempty"`
	AssignedAgent *string                    `json:"assigned_agent,omitempty"`
	Department    *string                    `json:"department,omitempty"`
	Priority      *domain.Priority           `json:"priority,omitempty"`
	HasUnread     *bool                      `json:"has_unread,omitempty"`
	Tags          []string                   `json:"tags,omitempty"`
	DateFrom      *time.Time                 `json:"date_from,omitempty"`
	DateTo        *time.Time                 `json:"date_to,omitempty"`
	Search        string                     `json:"search,omitempty"`
}

// View is one row of the projection: the conversation plus its weak
// last-message reference.
type View struct {
	domain.Conversation
	LastMessage *domain.MessagePreview `json:"last_message,omitempty"`
}

// Directory holds every known conversation and derives the visible
// projection. Mutations happen only on the serialized dispatch path; the
// projection is recomputed synchronously on read given the expected list
// sizes (tens to low hundreds).
type Directory struct {
	conversations map[string]*domain.Conversation
	previews      map[string]domain.MessagePreview
	selectedID    string
	filters       Filters
	sortKey       SortKey
	ascending     bool
}

func New() *Directory {
	return &Directory{
		conversations: make(map[string]*domain.Conversation),
		previews:      make(map[string]domain.MessagePreview),
		sortKey:       SortLastMessageTime,
		ascending:     false,
	}
}

// Seed replaces the conversation set with the server's authoritative list,
// used on initial sync and resync. The selection survives; its unread count
// is re-zeroed to keep the selected-conversation invariant.
func (d *Directory) Seed(convs []domain.Conversation) {
	d.conversations = make(map[string]*domain.Conversation, len(convs))
	for i := range convs {
		conv := convs[i]
		d.conversations[conv.ID] = &conv
	}
	if sel, ok := d.conversations[d.selectedID]; ok {
		sel.UnreadCount = 0
	}
}

// SetPreview refreshes the last-message reference from a loaded page without
// touching unread counts. Unknown conversations are ignored.
func (d *Directory) SetPreview(conversationID string, msg domain.Message) {
	if _, ok := d.conversations[conversationID]; !ok {
		return
	}
	d.previews[conversationID] = domain.MessagePreview{
		ID:        msg.ID,
		Excerpt:   excerpt(msg.Content),
		Direction: msg.Direction,
		At:        msg.CreatedAt,
	}
}

// UpsertFromEvent applies a new-message event: refreshes the preview and
// updatedAt, creates the conversation if the id was never seen, and bumps the
// unread count for incoming messages unless the conversation is currently
// selected, in which case it stays 0. Reports whether the conversation was
// created.
func (d *Directory) UpsertFromEvent(ev domain.MessageNewEvent) bool {
	conv, ok := d.conversations[ev.ConversationID]
	created := false
	if !ok {
		conv = &domain.Conversation{
			ID:        ev.ConversationID,
			Status:    domain.ConversationActive,
			Priority:  domain.PriorityNormal,
			CreatedAt: ev.Message.CreatedAt,
		}
		d.conversations[ev.ConversationID] = conv
		created = true
	}

	msg := ev.Message
	conv.LastMessageID = msg.ID
	conv.UpdatedAt = msg.CreatedAt
	d.previews[conv.ID] = domain.MessagePreview{
		ID:        msg.ID,
		Excerpt:   excerpt(msg.Content),
		Direction: msg.Direction,
		At:        msg.CreatedAt,
	}

	if msg.Direction == domain.DirectionIncoming && conv.ID != d.selectedID {
		conv.UnreadCount++
	}
	if conv.ID == d.selectedID {
		conv.UnreadCount = 0
	}
	return created
}

// ApplyPatch merges a partial conversation update. Unknown ids report false
// so the caller can drop the stale event.
func (d *Directory) ApplyPatch(p domain.ConversationPatch) bool {
	conv, ok := d.conversations[p.ID]
	if !ok {
		return false
	}
	if p.Contact != nil {
		conv.Contact = *p.Contact
	}
	if p.Status != nil {
		conv.Status = *p.Status
	}
	if p.AssignedAgentID != nil {
		conv.AssignedAgentID = *p.AssignedAgentID
	}
	if p.Department != nil {
		conv.Department = *p.Department
	}
	if p.Priority != nil {
		conv.Priority = *p.Priority
	}
	if p.Tags != nil {
		conv.Tags = *p.Tags
	}
	if p.UpdatedAt != nil {
		conv.UpdatedAt = *p.UpdatedAt
	}
	return true
}

// MarkAsRead zeroes the unread count. Idempotent; reports whether anything
// changed.
func (d *Directory) MarkAsRead(conversationID string) bool {
	conv, ok := d.conversations[conversationID]
	if !ok || conv.UnreadCount == 0 {
		return false
	}
	conv.UnreadCount = 0
	return true
}

// Select makes a conversation the agent's current one and zeroes its unread
// count. Selecting the empty id deselects.
func (d *Directory) Select(conversationID string) {
	d.selectedID = conversationID
	if conv, ok := d.conversations[conversationID]; ok {
		conv.UnreadCount = 0
	}
}

func (d *Directory) SelectedID() string {
	return d.selectedID
}

func (d *Directory) SetFilters(f Filters) {
	d.filters = f
}

func (d *Directory) SetSort(key SortKey, ascending bool) {
	d.sortKey = key
	d.ascending = ascending
}

func (d *Directory) Get(conversationID string) (domain.Conversation, bool) {
	conv, ok := d.conversations[conversationID]
	if !ok {
		return domain.Conversation{}, false
	}
	return *conv, true
}

func (d *Directory) Has(conversationID string) bool {
	_, ok := d.conversations[conversationID]
	return ok
}

func (d *Directory) Len() int {
	return len(d.conversations)
}

// List computes the filtered, sorted projection.
func (d *Directory) List() []View {
	views := make([]View, 0, len(d.conversations))
	for _, conv := range d.conversations {
		if !d.matches(conv) {
			continue
		}
		v := View{Conversation: *conv}
		if p, ok := d.previews[conv.ID]; ok {
			preview := p
			v.LastMessage = &preview
		}
		views = append(views, v)
	}
	d.sortViews(views)
	return views
}

func (d *Directory) matches(conv *domain.Conversation) bool {
	f := d.filters
	if f.Status != nil && conv.Status != *f.Status {
		return false
	}
	if f.Channel != nil && conv.Channel != *f.Channel {
		return false
	}
	if f.AssignedAgent != nil {
		if *f.AssignedAgent == AgentUnassigned {
			if conv.AssignedAgentID != "" {
				return false
			}
		} else if conv.AssignedAgentID != *f.AssignedAgent {
			return false
		}
	}
	if f.Department != nil && conv.Department != *f.Department {
		return false
	}
	if f.Priority != nil && conv.Priority != *f.Priority {
		return false
	}
	if f.HasUnread != nil && (conv.UnreadCount > 0) != *f.HasUnread {
		return false
	}
	if len(f.Tags) > 0 && !anyTagMatch(conv.Tags, f.Tags) {
		return false
	}
	if f.DateFrom != nil && conv.UpdatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && conv.UpdatedAt.After(*f.DateTo) {
		return false
	}
	if f.Search != "" && !d.matchesSearch(conv, f.Search) {
		return false
	}
	return true
}

func anyTagMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (d *Directory) matchesSearch(conv *domain.Conversation, term string) bool {
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(conv.Contact.Name), term) ||
		strings.Contains(strings.ToLower(conv.Contact.Phone), term) ||
		strings.Contains(strings.ToLower(conv.Contact.Email), term) {
		return true
	}
	if p, ok := d.previews[conv.ID]; ok {
		return strings.Contains(strings.ToLower(p.Excerpt), term)
	}
	return false
}

func (d *Directory) sortViews(views []View) {
	less := func(a, b View) bool {
		switch d.sortKey {
		case SortCreatedAt:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case SortPriority:
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() < b.Priority.Rank()
			}
		case SortUnreadCount:
			if a.UnreadCount != b.UnreadCount {
				return a.UnreadCount < b.UnreadCount
			}
		default: // SortLastMessageTime
			at, bt := d.lastMessageTime(a), d.lastMessageTime(b)
			if !at.Equal(bt) {
				return at.Before(bt)
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(views, func(i, j int) bool {
		if d.ascending {
			return less(views[i], views[j])
		}
		return less(views[j], views[i])
	})
}

func (d *Directory) lastMessageTime(v View) time.Time {
	if v.LastMessage != nil {
		return v.LastMessage.At
	}
	return v.UpdatedAt
}

const maxExcerpt = 120

// excerpt truncates to at most maxExcerpt bytes without splitting a rune.
func excerpt(content string) string {
	if len(content) <= maxExcerpt {
		return content
	}
	cut := maxExcerpt
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
