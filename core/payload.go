package core

const (
	JoinEvent                  = "join"
	JoinChannelEvent           = "join-channel"
	SendMessageEvent           = "send-message"
	SendChannelMessageEvent    = "send-message-to-channel"
	TypingEvent                = "typing"
	StopTypingEvent            = "stop-typing"
	ChannelTypingEvent         = "typing-to-channel"
	ChannelStopTypingEvent     = "stop-typing-to-channel"
	HeartbeatEvent             = "heartbeat"
	RequestOnlineUsersEvent    = "request-online-users"
	ReceiveMessageEvent        = "receive-message"
	ReceiveChannelMessageEvent = "receive-message-to-channel"
	AckMessageEvent            = "ack-send-message"
	AckChannelMessageEvent     = "ack-send-message-to-channel"
	OnlineUsersEvent           = "online-users"
	UserOnlineEvent            = "user-online"
	UserOfflineEvent           = "user-offline"
)

type JoinPayload struct {
	UserID string `json:"userId"`
}

type JoinChannelPayload struct {
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
}

type SendMessagePayload struct {
	SenderID    string      `json:"senderId"`
	ReceiverID  string      `json:"receiverId"`
	WorkspaceID string      `json:"workspaceId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	ClientID    string      `json:"clientId,omitempty"`
}

type SendChannelMessagePayload struct {
	SenderID    string      `json:"senderId"`
	ChannelID   string      `json:"channelId"`
	WorkspaceID string      `json:"workspaceId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	ClientID    string      `json:"clientId,omitempty"`
}

// MessageEnvelope is the payload of receive and acknowledgement events.
type MessageEnvelope struct {
	Success bool     `json:"success"`
	Message *Message `json:"message"`
	Error   string   `json:"error,omitempty"`
}

type TypingPayload struct {
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

type ChannelTypingPayload struct {
	ChannelID   string `json:"channelId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
}

type HeartbeatPayload struct {
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
}
