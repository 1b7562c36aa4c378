package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"guildsync/internal/domain"
)

// CallHandler lets a test override how the loopback answers an RPC. It
// returns handled=false to fall through to the built-in behaviour.
type CallHandler func(userID string, req domain.Request) (ack domain.Ack, err error, handled bool)

// LoopbackConfig configures an in-process server.
type LoopbackConfig struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Loopback is an in-process chat server. It keeps the full event log, so a
// subscription after any cursor is replayed exactly, and answers every
// action the way a real server would: by appending the resulting events.
type Loopback struct {
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	tokens    map[string]string // token -> user id
	log       []domain.Event
	cursor    domain.Cursor
	nextID    int
	conns     map[*loopConn]struct{}
	dialFails int
	calls     []domain.Request
	onCall    CallHandler
}

func NewLoopback(cfg LoopbackConfig) *Loopback {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loopback{
		now:    cfg.Now,
		logger: cfg.Logger,
		tokens: make(map[string]string),
		conns:  make(map[*loopConn]struct{}),
	}
}

// AddUser accepts token as the credentials of userID.
func (l *Loopback) AddUser(token, userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[token] = userID
}

// FailDials makes the next n dials fail with a NetworkError.
func (l *Loopback) FailDials(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialFails = n
}

// OnCall installs h in front of the built-in RPC handling.
func (l *Loopback) OnCall(h CallHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCall = h
}

// Calls returns every request received so far.
func (l *Loopback) Calls() []domain.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// Cursor returns the cursor of the newest event.
func (l *Loopback) Cursor() domain.Cursor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// Emit appends body at the next cursor and pushes it to subscribers.
func (l *Loopback) Emit(body domain.EventBody) domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emitLocked(body)
}

// Append records an event with an explicit cursor, as read from a recorded
// log. Cursors must increase; older ones are rejected.
func (l *Loopback) Append(ev domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Cursor <= l.cursor {
		return fmt.Errorf("cursor %d is not after %d", ev.Cursor, l.cursor)
	}
	l.cursor = ev.Cursor
	l.publishLocked(ev)
	return nil
}

func (l *Loopback) emitLocked(body domain.EventBody) domain.Event {
	l.cursor++
	ev := domain.Event{Cursor: l.cursor, Body: body}
	l.publishLocked(ev)
	return ev
}

func (l *Loopback) publishLocked(ev domain.Event) {
	l.log = append(l.log, ev)
	for c := range l.conns {
		if c.subscribed {
			c.push(ev)
		}
	}
}

// DropAll ends every live connection with a ConnectionDropped event.
func (l *Loopback) DropAll(reason string) {
	l.mu.Lock()
	conns := make([]*loopConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	clear(l.conns)
	l.mu.Unlock()

	for _, c := range conns {
		c.drop(reason)
	}
}

// Connections returns the number of live connections.
func (l *Loopback) Connections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Loopback) Dial(ctx context.Context, endpoint string) (domain.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.NetworkError{Op: "dial", Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dialFails > 0 {
		l.dialFails--
		return nil, &domain.NetworkError{Op: "dial", Err: errors.New("loopback: connection refused")}
	}
	c := &loopConn{
		l:      l,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.conns[c] = struct{}{}
	return c, nil
}

func (l *Loopback) newID(prefix string) string {
	l.nextID++
	return fmt.Sprintf("%s-%d", prefix, l.nextID)
}

// handle answers one request for userID by appending the events the action
// causes. Callers hold l.mu.
func (l *Loopback) handleLocked(userID string, req domain.Request) (domain.Ack, error) {
	switch a := req.Action.(type) {
	case domain.SendMessage:
		if !l.channelExistsLocked(a.ChannelID) {
			return domain.Ack{}, &domain.RemoteError{Code: "not_found", Message: "unknown channel " + a.ChannelID}
		}
		id := l.newID("msg")
		l.emitLocked(domain.MessageSent{Message: domain.Message{
			ID: id, ChannelID: a.ChannelID, GuildID: a.GuildID, AuthorID: userID,
			Content: a.Content, Attachments: a.Attachments,
			Timestamp: l.now().UTC().Truncate(time.Millisecond), CorrelationID: req.CorrelationID,
		}})
		return domain.Ack{ServerID: id}, nil
	case domain.EditMessage:
		l.emitLocked(domain.MessageEdited{
			GuildID: a.GuildID, ChannelID: a.ChannelID, MessageID: a.MessageID,
			Content: a.Content, EditedAt: l.now().UTC().Truncate(time.Millisecond),
		})
		return domain.Ack{ServerID: a.MessageID}, nil
	case domain.DeleteMessage:
		l.emitLocked(domain.MessageDeleted{GuildID: a.GuildID, ChannelID: a.ChannelID, MessageID: a.MessageID})
		return domain.Ack{ServerID: a.MessageID}, nil
	case domain.JoinGuild:
		if a.Invite == "" {
			return domain.Ack{}, &domain.RemoteError{Code: "bad_invite", Message: "empty invite"}
		}
		if !l.guildExistsLocked(a.Invite) {
			l.emitLocked(domain.GuildUpdated{GuildID: a.Invite, Name: domain.Ptr(a.Invite), OwnerID: domain.Ptr(userID)})
		}
		l.emitLocked(domain.MemberJoined{GuildID: a.Invite, UserID: userID})
		return domain.Ack{ServerID: a.Invite}, nil
	case domain.LeaveGuild:
		l.emitLocked(domain.MemberLeft{GuildID: a.GuildID, UserID: userID})
		l.emitLocked(domain.GuildRemoved{GuildID: a.GuildID})
		return domain.Ack{ServerID: a.GuildID}, nil
	case domain.CreateChannel:
		if !l.guildExistsLocked(a.GuildID) {
			return domain.Ack{}, &domain.RemoteError{Code: "not_found", Message: "unknown guild " + a.GuildID}
		}
		id := l.newID("chan")
		l.emitLocked(domain.ChannelUpdated{GuildID: a.GuildID, ChannelID: id, Name: domain.Ptr(a.Name), IsCategory: domain.Ptr(a.IsCategory)})
		return domain.Ack{ServerID: id}, nil
	case domain.FetchHistory:
		return domain.Ack{Messages: l.historyLocked(a)}, nil
	case domain.FetchProfile:
		p, ok := l.profileLocked(a.UserID)
		if !ok {
			return domain.Ack{}, &domain.RemoteError{Code: "not_found", Message: "unknown user " + a.UserID}
		}
		return domain.Ack{Profile: &p}, nil
	default:
		return domain.Ack{}, &domain.RemoteError{Code: "unsupported", Message: "unsupported action"}
	}
}

// profileLocked folds every profile.updated for the user over a default
// profile. A user is known once they hold a token or appear in the log.
func (l *Loopback) profileLocked(userID string) (domain.Profile, bool) {
	p := domain.Profile{UserID: userID, Username: userID, Status: domain.StatusOffline}
	known := slices.Contains(l.tokenUsersLocked(), userID)
	for _, ev := range l.log {
		switch b := ev.Body.(type) {
		case domain.ProfileUpdated:
			if b.UserID != userID {
				continue
			}
			known = true
			if b.Username != nil {
				p.Username = *b.Username
			}
			if b.Avatar != nil {
				p.Avatar = b.Avatar
				if b.Avatar.ID == "" {
					p.Avatar = nil
				}
			}
			if b.Status != nil {
				p.Status = *b.Status
			}
			if b.IsBot != nil {
				p.IsBot = *b.IsBot
			}
		case domain.MemberJoined:
			if b.UserID == userID {
				known = true
			}
		}
	}
	return p, known
}

func (l *Loopback) tokenUsersLocked() []string {
	users := make([]string, 0, len(l.tokens))
	for _, u := range l.tokens {
		users = append(users, u)
	}
	return users
}

func (l *Loopback) guildExistsLocked(id string) bool {
	exists := false
	for _, ev := range l.log {
		switch b := ev.Body.(type) {
		case domain.GuildUpdated:
			if b.GuildID == id {
				exists = true
			}
		case domain.GuildRemoved:
			if b.GuildID == id {
				exists = false
			}
		}
	}
	return exists
}

func (l *Loopback) channelExistsLocked(id string) bool {
	exists := false
	for _, ev := range l.log {
		switch b := ev.Body.(type) {
		case domain.ChannelUpdated:
			if b.ChannelID == id {
				exists = true
			}
		case domain.ChannelDeleted:
			if b.ChannelID == id {
				exists = false
			}
		}
	}
	return exists
}

// historyLocked rebuilds a channel's messages from the log and returns the
// page older than a.Before, oldest first.
func (l *Loopback) historyLocked(a domain.FetchHistory) []domain.Message {
	var msgs []domain.Message
	for _, ev := range l.log {
		switch b := ev.Body.(type) {
		case domain.MessageSent:
			if b.Message.ChannelID == a.ChannelID {
				m := b.Message
				m.CorrelationID = ""
				msgs = append(msgs, m)
			}
		case domain.MessageEdited:
			if i := slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == b.MessageID }); i >= 0 {
				msgs[i].Content, msgs[i].EditedAt = b.Content, b.EditedAt
			}
		case domain.MessageDeleted:
			if i := slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == b.MessageID }); i >= 0 {
				msgs[i].Content, msgs[i].Deleted = "", true
			}
		}
	}
	end := len(msgs)
	if a.Before != "" {
		end = slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == a.Before })
		if end < 0 {
			end = len(msgs)
		}
	}
	start := 0
	if a.Limit > 0 {
		start = max(0, end-a.Limit)
	}
	return slices.Clone(msgs[start:end])
}

// loopConn queues events without bound so the server side never blocks on
// a slow client. pump moves them to the subscriber channel.
type loopConn struct {
	l      *Loopback
	userID string

	// guarded by l.mu
	subscribed bool

	qmu     sync.Mutex
	queue   []domain.Event
	dropped bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *loopConn) push(ev domain.Event) {
	c.qmu.Lock()
	if !c.dropped {
		c.queue = append(c.queue, ev)
	}
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *loopConn) drop(reason string) {
	c.qmu.Lock()
	if !c.dropped {
		c.queue = append(c.queue, domain.Event{Body: domain.ConnectionDropped{Reason: reason}})
		c.dropped = true
	}
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *loopConn) pump(out chan<- domain.Event) {
	defer close(out)
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		select {
		case out <- ev:
		case <-c.done:
			return
		}
		if _, ok := ev.Body.(domain.ConnectionDropped); ok {
			return
		}
	}
}

func (c *loopConn) alive() error {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	select {
	case <-c.done:
		return &domain.NetworkError{Op: "call", Err: errors.New("loopback: connection closed")}
	default:
	}
	if c.dropped {
		return &domain.NetworkError{Op: "call", Err: errors.New("loopback: connection dropped")}
	}
	return nil
}

func (c *loopConn) Authenticate(ctx context.Context, token string) error {
	if err := c.alive(); err != nil {
		return err
	}
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	user, ok := c.l.tokens[token]
	if !ok {
		return &domain.AuthError{Reason: "invalid token"}
	}
	c.userID = user
	return nil
}

func (c *loopConn) Subscribe(ctx context.Context, after domain.Cursor) (<-chan domain.Event, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	c.l.mu.Lock()
	if c.userID == "" {
		c.l.mu.Unlock()
		return nil, &domain.RemoteError{Code: "unauthenticated", Message: "authenticate first"}
	}
	if c.subscribed {
		c.l.mu.Unlock()
		return nil, errors.New("already subscribed")
	}
	c.subscribed = true
	for _, ev := range c.l.log {
		if ev.Cursor > after {
			c.push(ev)
		}
	}
	c.l.mu.Unlock()

	out := make(chan domain.Event, eventBuffer)
	go c.pump(out)
	return out, nil
}

func (c *loopConn) Call(ctx context.Context, req domain.Request) (domain.Ack, error) {
	if err := c.alive(); err != nil {
		return domain.Ack{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Ack{}, &domain.NetworkError{Op: "call", Err: err}
	}
	c.l.mu.Lock()
	c.l.calls = append(c.l.calls, req)
	hook := c.l.onCall
	user := c.userID
	c.l.mu.Unlock()

	if user == "" {
		return domain.Ack{}, &domain.RemoteError{Code: "unauthenticated", Message: "authenticate first"}
	}
	if hook != nil {
		if ack, err, handled := hook(user, req); handled {
			return ack, err
		}
	}
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	return c.l.handleLocked(user, req)
}

func (c *loopConn) Close() error {
	c.closeOnce.Do(func() {
		c.l.mu.Lock()
		delete(c.l.conns, c)
		c.l.mu.Unlock()
		close(c.done)
	})
	return nil
}
