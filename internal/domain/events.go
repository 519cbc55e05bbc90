package domain

import (
	"encoding/json"
	"time"
)

// Inbound event names delivered on the tenant websocket.
const (
	EventMessageNew         = "message:new"
	EventMessageStatus      = "message:status"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
	EventUserStatus         = "user:status"
	EventConversationUpdate = "conversation:update"
	EventTenantJoined       = "tenant_joined"
	EventTenantError        = "tenant_error"
)

// Envelope is the wire frame for every event in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// MessageNewEvent announces a message appended to a conversation. Ref echoes
// the provisional id of an optimistic send so the sender can reconcile; it is
// empty for messages originated elsewhere.
type MessageNewEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
	Ref            string  `json:"ref,omitempty"`
}

type MessageStatusEvent struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Status         MessageStatus `json:"status"`
}

type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type UserStatusEvent struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

// ConversationPatch is a partial conversation update; nil fields are left
// untouched on merge.
type ConversationPatch struct {
	ID              string              `json:"id"`
	Contact         *Contact            `json:"contact,omitempty"`
	Status          *ConversationStatus `json:"status,omitempty"`
	AssignedAgentID *string             `json:"assigned_agent_id,omitempty"`
	Department      *string             `json:"department,omitempty"`
	Priority        *Priority           `json:"priority,omitempty"`
	Tags            *[]string           `json:"tags,omitempty"`
	UpdatedAt       *time.Time          `json:"updated_at,omitempty"`
}

type TenantJoinedEvent struct {
	TenantID string `json:"tenant_id"`
}

type TenantErrorEvent struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}
