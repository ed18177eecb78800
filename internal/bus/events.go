package bus

import (
	"strings"
	"time"
)

// Kind classifies an inbound delivery after envelope decoding.
type Kind string

const (
	KindImage       Kind = "image"
	KindText        Kind = "text"
	KindButtonReply Kind = "interactive-button"
	KindListReply   Kind = "interactive-list"
	KindUnsupported Kind = "unsupported"
)

// ConversationID identifies one user conversation across all per-user state.
// It has the form "<channel>:<chat id>".
type ConversationID string

func NewConversationID(channel, chatID string) ConversationID {
	return ConversationID(channel + ":" + chatID)
}

// Split returns the channel name and the channel-local chat id.
func (c ConversationID) Split() (channel, chatID string) {
	channel, chatID, _ = strings.Cut(string(c), ":")
	return channel, chatID
}

func (c ConversationID) String() string { return string(c) }

type InboundMessage struct {
	ID        string // transport event id, unique per delivery
	Channel   string
	SenderID  string
	ChatID    string
	Kind      Kind
	Text      string
	MediaRef  string // opaque handle resolved by the channel's Download
	MimeType  string
	ReplyID   string // selected button or list row id
	Timestamp time.Time
	Metadata  map[string]any
}

func (m *InboundMessage) SessionKey() ConversationID {
	return NewConversationID(m.Channel, m.ChatID)
}

// DedupKey scopes the event id by channel so ids from different transports
// never collide.
func (m *InboundMessage) DedupKey() string {
	if m.ID == "" {
		return ""
	}
	return m.Channel + ":" + m.ID
}

type OutboundKind string

const (
	OutboundText    OutboundKind = "text"
	OutboundButtons OutboundKind = "buttons"
	OutboundList    OutboundKind = "list"
)

// Option is one selectable reply of a button or list menu.
type Option struct {
	ID          string
	Title       string
	Description string
}

type OutboundMessage struct {
	Channel      string
	ChatID       string
	Kind         OutboundKind
	Content      string
	ButtonLabel  string // list menus only
	SectionTitle string // list menus only
	Options      []Option
	RowLimit     int
}

// Media is a downloaded attachment.
type Media struct {
	Data     []byte
	MimeType string
}
