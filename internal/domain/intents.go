package domain

import "time"

// Outbound intent names emitted on the tenant websocket.
const (
	IntentTenantJoin        = "tenant:join"
	IntentTenantLeave       = "tenant:leave"
	IntentMessageSend       = "message:send"
	IntentTypingStart       = "typing:start"
	IntentTypingStop        = "typing:stop"
	IntentMessagesRead      = "messages:read"
	IntentMessagesDelivered = "messages:delivered"
	IntentConversationJoin  = "conversation:join"
	IntentConversationLeave = "conversation:leave"
	IntentUserStatusUpdate  = "user:status:update"
)

type TenantJoinIntent struct {
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
}

type TenantLeaveIntent struct {
	TenantID string `json:"tenant_id"`
}

// SendMessageIntent carries an optimistic send. Ref is the provisional
// message id; the server echoes it back on the confirming message:new event.
type SendMessageIntent struct {
	ConversationID  string         `json:"conversation_id"`
	Content         string         `json:"content"`
	Type            MessageType    `json:"type"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Ref             string         `json:"ref"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
}

type TypingIntent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ReceiptIntent acknowledges delivery or reading of a batch of messages.
type ReceiptIntent struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type ConversationScopeIntent struct {
	ConversationID string `json:"conversation_id"`
}

type PresenceUpdateIntent struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}
