package core

import (
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	TextMessage  MessageType = "text"
	ImageMessage MessageType = "image"
	FileMessage  MessageType = "file"
	EmojiMessage MessageType = "emoji"
)

func (t MessageType) Valid() bool {
	switch t {
	case TextMessage, ImageMessage, FileMessage, EmojiMessage:
		return true
	}
	return false
}

// Message is a chat message as exchanged with the backend. Pending and
// Unsent are local bookkeeping and never leave the client.
type Message struct {
	ID          string      `json:"_id,omitempty"`
	ClientID    string      `json:"clientId,omitempty"`
	SenderID    string      `json:"senderId"`
	ReceiverID  string      `json:"receiverId,omitempty"`
	ChannelID   string      `json:"channelId,omitempty"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	CreatedAt   time.Time   `json:"createdAt"`

	// Pending is set until the backend acknowledges the message.
	Pending bool `json:"-"`
	// Unsent is set when the publish was dropped because the connection was down.
	Unsent bool `json:"-"`
}

func (m Message) String() string {
	return fmt.Sprintf("Message{ID: %s, ClientID: %s, SenderID: %s, CreatedAt: %s}",
		m.ID, m.ClientID, m.SenderID, m.CreatedAt.Format(time.RFC3339Nano))
}

type ConversationKind string

const (
	DirectConversation  ConversationKind = "direct"
	ChannelConversation ConversationKind = "channel"
)

// ConversationKey identifies a conversation. ID is the peer user id of a
// direct conversation or the channel id.
type ConversationKey struct {
	Kind ConversationKind
	ID   string
}

func DirectKey(peerID string) ConversationKey {
	return ConversationKey{Kind: DirectConversation, ID: peerID}
}

func ChannelKey(channelID string) ConversationKey {
	return ConversationKey{Kind: ChannelConversation, ID: channelID}
}

func (k ConversationKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

func (k ConversationKey) Valid() bool {
	return (k.Kind == DirectConversation || k.Kind == ChannelConversation) && k.ID != ""
}

// ParseConversationKey parses the String form of a key.
func ParseConversationKey(s string) (ConversationKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	key := ConversationKey{Kind: ConversationKind(kind), ID: id}
	if !ok || !key.Valid() {
		return ConversationKey{}, fmt.Errorf("%w: %q", ErrInvalidConversation, s)
	}
	return key, nil
}

// ConversationKeyFor derives the conversation a message belongs to from the
// point of view of self.
func ConversationKeyFor(m *Message, self string) (ConversationKey, bool) {
	if m.ChannelID != "" {
		return ChannelKey(m.ChannelID), true
	}
	peer := m.SenderID
	if m.SenderID == self {
		peer = m.ReceiverID
	}
	if peer == "" {
		return ConversationKey{}, false
	}
	return DirectKey(peer), true
}

// Page selects a window of history, newest first on the backend.
type Page struct {
	Skip  int
	Limit int
}

func DefaultPage() Page {
	return Page{Skip: 0, Limit: 50}
}
