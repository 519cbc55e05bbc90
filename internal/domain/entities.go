package domain

import (
	"time"
)

// Channel identifies the messaging platform a conversation arrived from.
type Channel string

const (
	ChannelWhatsApp            Channel = "whatsapp"
	ChannelWhatsAppBusinessAPI Channel = "whatsapp_business_api"
	ChannelInstagram           Channel = "instagram"
	ChannelFacebook            Channel = "facebook"
	ChannelTelegram            Channel = "telegram"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationPending  ConversationStatus = "pending"
	ConversationClosed   ConversationStatus = "closed"
	ConversationArchived ConversationStatus = "archived"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to its sort weight, urgent highest.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
)

// MessageStatus is the delivery lifecycle of a message. Transition rules live
// in the status package.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Conversation struct {
	ID              string             `json:"id"`
	Contact         Contact            `json:"contact"`
	Channel         Channel            `json:"channel"`
	Status          ConversationStatus `json:"status"`
	AssignedAgentID string             `json:"assigned_agent_id,omitempty"`
	Department      string             `json:"department,omitempty"`
	Priority        Priority           `json:"priority"`
	Tags            []string           `json:"tags,omitempty"`
	UnreadCount     int                `json:"unread_count"`
	LastMessageID   string             `json:"last_message_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Direction      Direction      `json:"direction"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	Status         MessageStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Before reports whether m sorts ahead of other in a conversation window.
// Total order is (CreatedAt, ID), id as tie-break.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// MessagePreview is the non-owning "last message" reference a conversation
// carries for list rendering and search. The message body itself stays in
// the window cache.
type MessagePreview struct {
	ID        string    `json:"id"`
	Excerpt   string    `json:"excerpt"`
	Direction Direction `json:"direction"`
	At        time.Time `json:"at"`
}

type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	StartedAt      time.Time `json:"started_at"`
}

type PresenceEntry struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}
