package domain

// ActionKind names an Action variant.
type ActionKind string

const (
	ActSendMessage   ActionKind = "send_message"
	ActEditMessage   ActionKind = "edit_message"
	ActDeleteMessage ActionKind = "delete_message"
	ActJoinGuild     ActionKind = "join_guild"
	ActLeaveGuild    ActionKind = "leave_guild"
	ActCreateChannel ActionKind = "create_channel"
	ActFetchHistory  ActionKind = "fetch_history"
	ActFetchProfile  ActionKind = "fetch_profile"
)

// Action is a user-initiated command. The set of implementations is closed.
type Action interface {
	ActionKind() ActionKind
	action()
}

type SendMessage struct {
	GuildID     string
	ChannelID   string
	Content     string
	Attachments []AttachmentRef
}

type EditMessage struct {
	GuildID   string
	ChannelID string
	MessageID string
	Content   string
}

type DeleteMessage struct {
	GuildID   string
	ChannelID string
	MessageID string
}

// JoinGuild accepts an invite. The guild itself arrives as a GuildUpdated event.
type JoinGuild struct {
	Invite string
}

type LeaveGuild struct {
	GuildID string
}

type CreateChannel struct {
	GuildID    string
	Name       string
	IsCategory bool
}

// FetchHistory asks for messages older than Before (or the newest page when empty).
type FetchHistory struct {
	GuildID   string
	ChannelID string
	Before    string
	Limit     int
}

// FetchProfile asks for a user's profile. The reply carries it in Ack.Profile.
type FetchProfile struct {
	UserID string
}

func (SendMessage) ActionKind() ActionKind   { return ActSendMessage }
func (EditMessage) ActionKind() ActionKind   { return ActEditMessage }
func (DeleteMessage) ActionKind() ActionKind { return ActDeleteMessage }
func (JoinGuild) ActionKind() ActionKind     { return ActJoinGuild }
func (LeaveGuild) ActionKind() ActionKind    { return ActLeaveGuild }
func (CreateChannel) ActionKind() ActionKind { return ActCreateChannel }
func (FetchHistory) ActionKind() ActionKind  { return ActFetchHistory }
func (FetchProfile) ActionKind() ActionKind  { return ActFetchProfile }

func (SendMessage) action()   {}
func (EditMessage) action()   {}
func (DeleteMessage) action() {}
func (JoinGuild) action()     {}
func (LeaveGuild) action()    {}
func (CreateChannel) action() {}
func (FetchHistory) action()  {}
func (FetchProfile) action()  {}

// ChannelOf returns the channel an action targets, if any.
func ChannelOf(a Action) string {
	switch v := a.(type) {
	case SendMessage:
		return v.ChannelID
	case EditMessage:
		return v.ChannelID
	case DeleteMessage:
		return v.ChannelID
	case FetchHistory:
		return v.ChannelID
	}
	return ""
}

// Request is an Action tagged with the client correlation id sent on the wire.
type Request struct {
	CorrelationID string
	Action        Action
}

// Ack is the server's reply to a Request. ServerID is the id assigned to a
// created entity; Messages carries a FetchHistory page, oldest first.
type Ack struct {
	ServerID string
	Messages []Message
	Profile  *Profile
}
