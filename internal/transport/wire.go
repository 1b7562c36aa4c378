package transport

import (
	"fmt"
	"time"

	"guildsync/internal/domain"
)

// Frame types.
const (
	frameAuth       = "auth"
	frameAuthOK     = "auth_ok"
	frameAuthError  = "auth_error"
	frameSubscribe  = "subscribe"
	frameSubscribed = "subscribed"
	frameEvent      = "event"
	frameDrop       = "drop"
	frameCall       = "call"
	frameAck        = "ack"
	frameError      = "error"
)

type authPayload struct {
	Token string `json:"token" cbor:"token"`
}

type authOKPayload struct {
	UserID string `json:"userId,omitempty" cbor:"userId,omitempty"`
}

type reasonPayload struct {
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

type subscribePayload struct {
	After uint64 `json:"after" cbor:"after"`
}

type errorPayload struct {
	Code    string `json:"code" cbor:"code"`
	Message string `json:"message" cbor:"message"`
}

// WireMessage is a message as it travels on the wire. Times are unix
// milliseconds; EchoID carries the client correlation id back.
type WireMessage struct {
	ID          string                 `json:"id" cbor:"id"`
	ChannelID   string                 `json:"channelId" cbor:"channelId"`
	GuildID     string                 `json:"guildId" cbor:"guildId"`
	AuthorID    string                 `json:"authorId" cbor:"authorId"`
	Content     string                 `json:"content" cbor:"content"`
	Attachments []domain.AttachmentRef `json:"attachments,omitempty" cbor:"attachments,omitempty"`
	CreatedAt   int64                  `json:"createdAt" cbor:"createdAt"`
	EditedAt    int64                  `json:"editedAt,omitempty" cbor:"editedAt,omitempty"`
	EchoID      string                 `json:"echoId,omitempty" cbor:"echoId,omitempty"`
}

// WireEvent is the flat form of every stream event. Which fields are
// required depends on Kind. It is also the line format of recorded logs.
type WireEvent struct {
	Cursor     uint64                `json:"cursor" cbor:"cursor"`
	Kind       string                `json:"kind" cbor:"kind"`
	GuildID    string                `json:"guildId,omitempty" cbor:"guildId,omitempty"`
	ChannelID  string                `json:"channelId,omitempty" cbor:"channelId,omitempty"`
	MessageID  string                `json:"messageId,omitempty" cbor:"messageId,omitempty"`
	UserID     string                `json:"userId,omitempty" cbor:"userId,omitempty"`
	Name       *string               `json:"name,omitempty" cbor:"name,omitempty"`
	Picture    *string               `json:"picture,omitempty" cbor:"picture,omitempty"`
	OwnerID    *string               `json:"ownerId,omitempty" cbor:"ownerId,omitempty"`
	IsCategory *bool                 `json:"isCategory,omitempty" cbor:"isCategory,omitempty"`
	Content    string                `json:"content,omitempty" cbor:"content,omitempty"`
	EditedAt   int64                 `json:"editedAt,omitempty" cbor:"editedAt,omitempty"`
	Message    *WireMessage          `json:"message,omitempty" cbor:"message,omitempty"`
	Reason     string                `json:"reason,omitempty" cbor:"reason,omitempty"`
	Username   *string               `json:"username,omitempty" cbor:"username,omitempty"`
	Avatar     *domain.AttachmentRef `json:"avatar,omitempty" cbor:"avatar,omitempty"`
	Status     *string               `json:"status,omitempty" cbor:"status,omitempty"`
	IsBot      *bool                 `json:"isBot,omitempty" cbor:"isBot,omitempty"`
}

// WireCall is an RPC request.
type WireCall struct {
	Action        string                 `json:"action" cbor:"action"`
	CorrelationID string                 `json:"correlationId" cbor:"correlationId"`
	GuildID       string                 `json:"guildId,omitempty" cbor:"guildId,omitempty"`
	ChannelID     string                 `json:"channelId,omitempty" cbor:"channelId,omitempty"`
	MessageID     string                 `json:"messageId,omitempty" cbor:"messageId,omitempty"`
	Content       string                 `json:"content,omitempty" cbor:"content,omitempty"`
	Attachments   []domain.AttachmentRef `json:"attachments,omitempty" cbor:"attachments,omitempty"`
	Invite        string                 `json:"invite,omitempty" cbor:"invite,omitempty"`
	Name          string                 `json:"name,omitempty" cbor:"name,omitempty"`
	IsCategory    bool                   `json:"isCategory,omitempty" cbor:"isCategory,omitempty"`
	Before        string                 `json:"before,omitempty" cbor:"before,omitempty"`
	Limit         int                    `json:"limit,omitempty" cbor:"limit,omitempty"`
	UserID        string                 `json:"userId,omitempty" cbor:"userId,omitempty"`
}

// WireAck is an RPC reply.
type WireAck struct {
	ServerID string          `json:"serverId,omitempty" cbor:"serverId,omitempty"`
	Messages []WireMessage   `json:"messages,omitempty" cbor:"messages,omitempty"`
	Profile  *domain.Profile `json:"profile,omitempty" cbor:"profile,omitempty"`
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ToDomain converts a wire message. The send state is always Confirmed:
// anything the server sends has been accepted.
func (w WireMessage) ToDomain() domain.Message {
	return domain.Message{
		ID:            w.ID,
		ChannelID:     w.ChannelID,
		GuildID:       w.GuildID,
		AuthorID:      w.AuthorID,
		Content:       w.Content,
		Attachments:   w.Attachments,
		Timestamp:     millis(w.CreatedAt),
		EditedAt:      millis(w.EditedAt),
		CorrelationID: w.EchoID,
	}
}

func messageToWire(m domain.Message) WireMessage {
	return WireMessage{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		GuildID:     m.GuildID,
		AuthorID:    m.AuthorID,
		Content:     m.Content,
		Attachments: m.Attachments,
		CreatedAt:   toMillis(m.Timestamp),
		EditedAt:    toMillis(m.EditedAt),
		EchoID:      m.CorrelationID,
	}
}

// Normalize validates a wire event and turns it into a domain event.
// Anything malformed comes back as a *domain.ProtocolError.
func (w WireEvent) Normalize() (domain.Event, error) {
	bad := func(reason string) (domain.Event, error) {
		return domain.Event{}, &domain.ProtocolError{Frame: frameEvent, Reason: fmt.Sprintf("%s: %s", w.Kind, reason)}
	}
	kind := domain.EventKind(w.Kind)
	if w.Cursor == 0 && kind != domain.KindConnectionDropped {
		return bad("missing cursor")
	}
	ev := domain.Event{Cursor: domain.Cursor(w.Cursor)}

	switch kind {
	case domain.KindMessageSent:
		if w.Message == nil || w.Message.ID == "" || w.Message.ChannelID == "" {
			return bad("message requires id and channelId")
		}
		ev.Body = domain.MessageSent{Message: w.Message.ToDomain()}
	case domain.KindMessageEdited:
		if w.ChannelID == "" || w.MessageID == "" {
			return bad("requires channelId and messageId")
		}
		ev.Body = domain.MessageEdited{
			GuildID: w.GuildID, ChannelID: w.ChannelID, MessageID: w.MessageID,
			Content: w.Content, EditedAt: millis(w.EditedAt),
		}
	case domain.KindMessageDeleted:
		if w.ChannelID == "" || w.MessageID == "" {
			return bad("requires channelId and messageId")
		}
		ev.Body = domain.MessageDeleted{GuildID: w.GuildID, ChannelID: w.ChannelID, MessageID: w.MessageID}
	case domain.KindGuildUpdated:
		if w.GuildID == "" {
			return bad("requires guildId")
		}
		ev.Body = domain.GuildUpdated{GuildID: w.GuildID, Name: w.Name, Picture: w.Picture, OwnerID: w.OwnerID}
	case domain.KindGuildRemoved:
		if w.GuildID == "" {
			return bad("requires guildId")
		}
		ev.Body = domain.GuildRemoved{GuildID: w.GuildID}
	case domain.KindChannelUpdated:
		if w.GuildID == "" || w.ChannelID == "" {
			return bad("requires guildId and channelId")
		}
		ev.Body = domain.ChannelUpdated{GuildID: w.GuildID, ChannelID: w.ChannelID, Name: w.Name, IsCategory: w.IsCategory}
	case domain.KindChannelDeleted:
		if w.ChannelID == "" {
			return bad("requires channelId")
		}
		ev.Body = domain.ChannelDeleted{GuildID: w.GuildID, ChannelID: w.ChannelID}
	case domain.KindMemberJoined, domain.KindMemberLeft:
		if w.GuildID == "" || w.UserID == "" {
			return bad("requires guildId and userId")
		}
		if kind == domain.KindMemberJoined {
			ev.Body = domain.MemberJoined{GuildID: w.GuildID, UserID: w.UserID}
		} else {
			ev.Body = domain.MemberLeft{GuildID: w.GuildID, UserID: w.UserID}
		}
	case domain.KindTypingStarted:
		if w.ChannelID == "" || w.UserID == "" {
			return bad("requires channelId and userId")
		}
		ev.Body = domain.TypingStarted{GuildID: w.GuildID, ChannelID: w.ChannelID, UserID: w.UserID}
	case domain.KindProfileUpdated:
		if w.UserID == "" {
			return bad("requires userId")
		}
		b := domain.ProfileUpdated{UserID: w.UserID, Username: w.Username, Avatar: w.Avatar, IsBot: w.IsBot}
		if w.Status != nil {
			switch st := domain.UserStatus(*w.Status); st {
			case domain.StatusOnline, domain.StatusIdle, domain.StatusDoNotDisturb, domain.StatusStreaming, domain.StatusOffline:
				b.Status = &st
			default:
				return bad("unknown status " + *w.Status)
			}
		}
		ev.Body = b
	case domain.KindConnectionDropped:
		ev.Body = domain.ConnectionDropped{Reason: w.Reason}
	default:
		return bad("unknown event kind")
	}
	return ev, nil
}

// EventToWire is the inverse of Normalize.
func EventToWire(ev domain.Event) WireEvent {
	w := WireEvent{Cursor: uint64(ev.Cursor), Kind: string(ev.Kind())}
	switch b := ev.Body.(type) {
	case domain.MessageSent:
		m := messageToWire(b.Message)
		w.Message = &m
	case domain.MessageEdited:
		w.GuildID, w.ChannelID, w.MessageID = b.GuildID, b.ChannelID, b.MessageID
		w.Content, w.EditedAt = b.Content, toMillis(b.EditedAt)
	case domain.MessageDeleted:
		w.GuildID, w.ChannelID, w.MessageID = b.GuildID, b.ChannelID, b.MessageID
	case domain.GuildUpdated:
		w.GuildID, w.Name, w.Picture, w.OwnerID = b.GuildID, b.Name, b.Picture, b.OwnerID
	case domain.GuildRemoved:
		w.GuildID = b.GuildID
	case domain.ChannelUpdated:
		w.GuildID, w.ChannelID, w.Name, w.IsCategory = b.GuildID, b.ChannelID, b.Name, b.IsCategory
	case domain.ChannelDeleted:
		w.GuildID, w.ChannelID = b.GuildID, b.ChannelID
	case domain.MemberJoined:
		w.GuildID, w.UserID = b.GuildID, b.UserID
	case domain.MemberLeft:
		w.GuildID, w.UserID = b.GuildID, b.UserID
	case domain.TypingStarted:
		w.GuildID, w.ChannelID, w.UserID = b.GuildID, b.ChannelID, b.UserID
	case domain.ProfileUpdated:
		w.UserID, w.Username, w.Avatar, w.IsBot = b.UserID, b.Username, b.Avatar, b.IsBot
		if b.Status != nil {
			w.Status = domain.Ptr(string(*b.Status))
		}
	case domain.ConnectionDropped:
		w.Reason = b.Reason
	}
	return w
}

// CallToWire flattens a request.
func CallToWire(req domain.Request) WireCall {
	w := WireCall{Action: string(req.Action.ActionKind()), CorrelationID: req.CorrelationID}
	switch a := req.Action.(type) {
	case domain.SendMessage:
		w.GuildID, w.ChannelID, w.Content, w.Attachments = a.GuildID, a.ChannelID, a.Content, a.Attachments
	case domain.EditMessage:
		w.GuildID, w.ChannelID, w.MessageID, w.Content = a.GuildID, a.ChannelID, a.MessageID, a.Content
	case domain.DeleteMessage:
		w.GuildID, w.ChannelID, w.MessageID = a.GuildID, a.ChannelID, a.MessageID
	case domain.JoinGuild:
		w.Invite = a.Invite
	case domain.LeaveGuild:
		w.GuildID = a.GuildID
	case domain.CreateChannel:
		w.GuildID, w.Name, w.IsCategory = a.GuildID, a.Name, a.IsCategory
	case domain.FetchHistory:
		w.GuildID, w.ChannelID, w.Before, w.Limit = a.GuildID, a.ChannelID, a.Before, a.Limit
	case domain.FetchProfile:
		w.UserID = a.UserID
	}
	return w
}

// Request rebuilds the domain request from a wire call.
func (w WireCall) Request() (domain.Request, error) {
	req := domain.Request{CorrelationID: w.CorrelationID}
	switch domain.ActionKind(w.Action) {
	case domain.ActSendMessage:
		req.Action = domain.SendMessage{GuildID: w.GuildID, ChannelID: w.ChannelID, Content: w.Content, Attachments: w.Attachments}
	case domain.ActEditMessage:
		req.Action = domain.EditMessage{GuildID: w.GuildID, ChannelID: w.ChannelID, MessageID: w.MessageID, Content: w.Content}
	case domain.ActDeleteMessage:
		req.Action = domain.DeleteMessage{GuildID: w.GuildID, ChannelID: w.ChannelID, MessageID: w.MessageID}
	case domain.ActJoinGuild:
		req.Action = domain.JoinGuild{Invite: w.Invite}
	case domain.ActLeaveGuild:
		req.Action = domain.LeaveGuild{GuildID: w.GuildID}
	case domain.ActCreateChannel:
		req.Action = domain.CreateChannel{GuildID: w.GuildID, Name: w.Name, IsCategory: w.IsCategory}
	case domain.ActFetchHistory:
		req.Action = domain.FetchHistory{GuildID: w.GuildID, ChannelID: w.ChannelID, Before: w.Before, Limit: w.Limit}
	case domain.ActFetchProfile:
		req.Action = domain.FetchProfile{UserID: w.UserID}
	default:
		return req, &domain.ProtocolError{Frame: frameCall, Reason: "unknown action " + w.Action}
	}
	return req, nil
}

// ToDomain converts an ack.
func (w WireAck) ToDomain() domain.Ack {
	ack := domain.Ack{ServerID: w.ServerID, Profile: w.Profile}
	for _, m := range w.Messages {
		ack.Messages = append(ack.Messages, m.ToDomain())
	}
	return ack
}

func ackToWire(a domain.Ack) WireAck {
	w := WireAck{ServerID: a.ServerID, Profile: a.Profile}
	for _, m := range a.Messages {
		w.Messages = append(w.Messages, messageToWire(m))
	}
	return w
}
