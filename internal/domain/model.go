package domain

import (
	"slices"
	"time"
)

// Cursor is a position in the server event stream. Zero means "from the beginning".
type Cursor uint64

// SendState tracks whether a message has been confirmed by the server.
type SendState int

const (
	SendConfirmed SendState = iota
	SendPending
	SendFailed
)

func (s SendState) String() string {
	switch s {
	case SendConfirmed:
		return "confirmed"
	case SendPending:
		return "pending"
	case SendFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AttachmentRef points at a media blob owned by the server.
type AttachmentRef struct {
	ID       string `json:"id" cbor:"id"`
	Name     string `json:"name,omitempty" cbor:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty" cbor:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty" cbor:"size,omitempty"`
}

// UserStatus is a user's presence as reported by the server.
type UserStatus string

const (
	StatusOnline       UserStatus = "online"
	StatusIdle         UserStatus = "idle"
	StatusDoNotDisturb UserStatus = "dnd"
	StatusStreaming    UserStatus = "streaming"
	StatusOffline      UserStatus = "offline"
)

// Profile describes a user. Profiles are not per guild; rosters refer to
// them by user id.
type Profile struct {
	UserID   string         `json:"userId" cbor:"userId"`
	Username string         `json:"username,omitempty" cbor:"username,omitempty"`
	Avatar   *AttachmentRef `json:"avatar,omitempty" cbor:"avatar,omitempty"`
	Status   UserStatus     `json:"status,omitempty" cbor:"status,omitempty"`
	IsBot    bool           `json:"isBot,omitempty" cbor:"isBot,omitempty"`
}

// DisplayName is the username, or the user id when none is known.
func (p *Profile) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.UserID
}

// Guild is a community. Channels holds channel ids in display order;
// Members is kept sorted.
type Guild struct {
	ID       string   `json:"id" cbor:"id"`
	Name     string   `json:"name" cbor:"name"`
	OwnerID  string   `json:"ownerId,omitempty" cbor:"ownerId,omitempty"`
	Picture  string   `json:"picture,omitempty" cbor:"picture,omitempty"`
	Channels []string `json:"channels" cbor:"channels"`
	Members  []string `json:"members" cbor:"members"`
}

// HasMember reports whether userID is in the roster.
func (g *Guild) HasMember(userID string) bool {
	_, ok := slices.BinarySearch(g.Members, userID)
	return ok
}

// Channel belongs to a guild by id only.
type Channel struct {
	ID         string `json:"id" cbor:"id"`
	GuildID    string `json:"guildId" cbor:"guildId"`
	Name       string `json:"name" cbor:"name"`
	IsCategory bool   `json:"isCategory,omitempty" cbor:"isCategory,omitempty"`
	LastCursor Cursor `json:"lastCursor" cbor:"lastCursor"`
}

// Message is a single chat message. Deleted messages are kept as
// tombstones with empty content.
type Message struct {
	ID            string          `json:"id" cbor:"id"`
	ChannelID     string          `json:"channelId" cbor:"channelId"`
	GuildID       string          `json:"guildId" cbor:"guildId"`
	AuthorID      string          `json:"authorId" cbor:"authorId"`
	Content       string          `json:"content" cbor:"content"`
	Attachments   []AttachmentRef `json:"attachments,omitempty" cbor:"attachments,omitempty"`
	Timestamp     time.Time       `json:"timestamp" cbor:"timestamp"`
	EditedAt      time.Time       `json:"editedAt,omitzero" cbor:"editedAt,omitempty"`
	Deleted       bool            `json:"deleted,omitempty" cbor:"deleted,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty" cbor:"correlationId,omitempty"`
	State         SendState       `json:"state" cbor:"state"`
}

// Unconfirmed reports whether the message is still owned by the outbox.
func (m *Message) Unconfirmed() bool {
	return m.State != SendConfirmed
}
