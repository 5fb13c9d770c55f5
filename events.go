package realtime

import "time"

// EventKind is the closed set of inbound event types. Dispatch switches over
// it exhaustively, so a new inbound event is a compile-visible change here
// plus a handler arm, not a stringly-typed case.
type EventKind uint8

const (
	KindUnknown EventKind = iota
	KindHeartbeat
	KindJoinConversation
	KindLeaveConversation
	KindSendMessage
	KindMarkRead
	KindTyping
)

func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "heartbeat":
		return KindHeartbeat, true
	case "join_conversation":
		return KindJoinConversation, true
	case "leave_conversation":
		return KindLeaveConversation, true
	case "send_message":
		return KindSendMessage, true
	case "mark_read":
		return KindMarkRead, true
	case "typing":
		return KindTyping, true
	default:
		return KindUnknown, false
	}
}

func (k EventKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindJoinConversation:
		return "join_conversation"
	case KindLeaveConversation:
		return "leave_conversation"
	case KindSendMessage:
		return "send_message"
	case KindMarkRead:
		return "mark_read"
	case KindTyping:
		return "typing"
	default:
		return "unknown"
	}
}

// Outbound event types.
const (
	EventConnected    = "connected"
	EventHeartbeatAck = "heartbeat_ack"
	EventNewMessage   = "new_message"
	EventMessageSent  = "message_sent"
	EventMessageRead  = "message_read"
	EventUserTyping   = "user_typing"
	EventUserOnline   = "user_online"
	EventUserOffline  = "user_offline"
)

type SendMessagePayload struct {
	ConversationID ConversationID `json:"conversationId"`
	Content        string         `json:"content"`
	MessageType    string         `json:"messageType"`
}

type MarkReadPayload struct {
	MessageID      string         `json:"messageId"`
	ConversationID ConversationID `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	IsTyping       bool           `json:"isTyping"`
}

type NewMessagePayload struct {
	MessageID      string         `json:"messageId"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	Content        string         `json:"content"`
	MessageType    string         `json:"messageType"`
}

type MessageSentPayload struct {
	MessageID      string         `json:"messageId"`
	ConversationID ConversationID `json:"conversationId"`
}

type MessageReadPayload struct {
	MessageID      string         `json:"messageId"`
	ConversationID ConversationID `json:"conversationId"`
	ReaderID       UserID         `json:"readerId"`
}

type UserTypingPayload struct {
	ConversationID ConversationID `json:"conversationId"`
	UserID         UserID         `json:"userId"`
	IsTyping       bool           `json:"isTyping"`
}

type PresencePayload struct {
	UserID     UserID         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
}

type HeartbeatAckPayload struct {
	ServerTime time.Time `json:"serverTime"`
}

type ConnectedPayload struct {
	ConnectionID ConnID `json:"connectionId"`
	PoolID       PoolID `json:"poolId"`
	UserID       UserID `json:"userId"`
}
