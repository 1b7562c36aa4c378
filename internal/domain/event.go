package domain

import (
	"fmt"
	"time"
)

// EventKind names an Event variant.
type EventKind string

const (
	KindMessageSent       EventKind = "message.sent"
	KindMessageEdited     EventKind = "message.edited"
	KindMessageDeleted    EventKind = "message.deleted"
	KindGuildUpdated      EventKind = "guild.updated"
	KindGuildRemoved      EventKind = "guild.removed"
	KindChannelUpdated    EventKind = "channel.updated"
	KindChannelDeleted    EventKind = "channel.deleted"
	KindMemberJoined      EventKind = "member.joined"
	KindMemberLeft        EventKind = "member.left"
	KindTypingStarted     EventKind = "typing.started"
	KindProfileUpdated    EventKind = "profile.updated"
	KindConnectionDropped EventKind = "connection.dropped"
)

// Event is one entry of the server stream. Body is one of the types in
// this file; the set is closed.
type Event struct {
	Cursor Cursor
	Body   EventBody
}

// Kind returns the variant name, or "" for an event with no body.
func (e Event) Kind() EventKind {
	if e.Body == nil {
		return ""
	}
	return e.Body.Kind()
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d", e.Kind(), e.Cursor)
}

// EventBody is implemented only by the event payloads below.
type EventBody interface {
	Kind() EventKind
	eventBody()
}

type MessageSent struct {
	Message Message
}

type MessageEdited struct {
	GuildID   string
	ChannelID string
	MessageID string
	Content   string
	EditedAt  time.Time
}

type MessageDeleted struct {
	GuildID   string
	ChannelID string
	MessageID string
}

// GuildUpdated merges into an existing guild or creates it. Nil fields are
// left unchanged.
type GuildUpdated struct {
	GuildID string
	Name    *string
	Picture *string
	OwnerID *string
}

type GuildRemoved struct {
	GuildID string
}

// ChannelUpdated merges into an existing channel or creates it. Nil fields
// are left unchanged.
type ChannelUpdated struct {
	GuildID    string
	ChannelID  string
	Name       *string
	IsCategory *bool
}

type ChannelDeleted struct {
	GuildID   string
	ChannelID string
}

type MemberJoined struct {
	GuildID string
	UserID  string
}

type MemberLeft struct {
	GuildID string
	UserID  string
}

type TypingStarted struct {
	GuildID   string
	ChannelID string
	UserID    string
}

// ProfileUpdated merges into a user's profile or creates it. Nil fields are
// left unchanged; an Avatar with an empty ID removes the avatar.
type ProfileUpdated struct {
	UserID   string
	Username *string
	Avatar   *AttachmentRef
	Status   *UserStatus
	IsBot    *bool
}

// ConnectionDropped terminates a subscription stream.
type ConnectionDropped struct {
	Reason string
}

func (MessageSent) Kind() EventKind       { return KindMessageSent }
func (MessageEdited) Kind() EventKind     { return KindMessageEdited }
func (MessageDeleted) Kind() EventKind    { return KindMessageDeleted }
func (GuildUpdated) Kind() EventKind      { return KindGuildUpdated }
func (GuildRemoved) Kind() EventKind      { return KindGuildRemoved }
func (ChannelUpdated) Kind() EventKind    { return KindChannelUpdated }
func (ChannelDeleted) Kind() EventKind    { return KindChannelDeleted }
func (MemberJoined) Kind() EventKind      { return KindMemberJoined }
func (MemberLeft) Kind() EventKind        { return KindMemberLeft }
func (TypingStarted) Kind() EventKind     { return KindTypingStarted }
func (ProfileUpdated) Kind() EventKind    { return KindProfileUpdated }
func (ConnectionDropped) Kind() EventKind { return KindConnectionDropped }

func (MessageSent) eventBody()       {}
func (MessageEdited) eventBody()     {}
func (MessageDeleted) eventBody()    {}
func (GuildUpdated) eventBody()      {}
func (GuildRemoved) eventBody()      {}
func (ChannelUpdated) eventBody()    {}
func (ChannelDeleted) eventBody()    {}
func (MemberJoined) eventBody()      {}
func (MemberLeft) eventBody()        {}
func (TypingStarted) eventBody()     {}
func (ProfileUpdated) eventBody()    {}
func (ConnectionDropped) eventBody() {}

// Ptr returns a pointer to v. Handy for the optional fields of update events.
func Ptr[T any](v T) *T { return &v }
