// Package console is an interactive terminal front end for the engine.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"guildsync/internal/attachment"
	"guildsync/internal/cache"
	"guildsync/internal/domain"
	"guildsync/internal/outbox"
	"guildsync/internal/session"
)

const defaultPage = 20

// Engine is the part of client.Engine the console drives.
type Engine interface {
	Snapshot() *cache.State
	Subscribe(buffer int) (<-chan domain.Delta, func())
	Submit(ctx context.Context, action domain.Action) (string, error)
	Resend(ctx context.Context, correlationID string) error
	Outbox() []outbox.Entry
	SessionState() session.State
}

// Resolver fetches attachments; see attachment.Resolver.
type Resolver interface {
	Resolve(ref domain.AttachmentRef) iter.Seq[attachment.Resolution]
}

type Config struct {
	Engine      Engine
	Attachments Resolver // optional
	Logger      *slog.Logger
	In          io.Reader
	Out         io.Writer
}

// Console reads commands line by line. Plain text is sent to the open
// channel; lines starting with a slash are commands.
type Console struct {
	engine      Engine
	attachments Resolver
	logger      *slog.Logger
	in          io.Reader

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	channel string
}

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		engine:      cfg.Engine,
		attachments: cfg.Attachments,
		logger:      cfg.Logger,
		in:          cfg.In,
		out:         cfg.Out,
	}
}

// Run blocks until ctx is cancelled, the input ends, or the user quits.
func (c *Console) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	deltas, cancel := c.engine.Subscribe(256)
	defer cancel()
	go c.watch(ctx, deltas)

	c.println("guildsync console. /help lists commands, /quit exits.")
	c.prompt()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.prompt()
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			if err := c.Execute(ctx, line); err != nil {
				c.printf("error: %v\n", err)
			}
			c.prompt()
		}
	}
}

// Execute runs one input line.
func (c *Console) Execute(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		ch := c.current()
		if ch == "" {
			return fmt.Errorf("no channel open; use /open <channel>")
		}
		_, err := c.engine.Submit(ctx, domain.SendMessage{ChannelID: ch, Content: line})
		return err
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "help":
		c.help()
	case "status":
		st := c.engine.Snapshot()
		c.printf("session %s, cursor %d, version %d, %d pending actions\n",
			c.engine.SessionState(), st.Cursor(), st.Version(), len(c.engine.Outbox()))
	case "guilds":
		for _, g := range c.engine.Snapshot().Guilds() {
			c.printf("%s  %s  (%d channels, %d members)\n", g.ID, g.Name, len(g.Channels), len(g.Members))
		}
	case "channels":
		if len(args) != 1 {
			return fmt.Errorf("usage: /channels <guild>")
		}
		for _, ch := range c.engine.Snapshot().Channels(args[0]) {
			marker := "#"
			if ch.IsCategory {
				marker = "+"
			}
			c.printf("%s%s  %s\n", marker, ch.Name, ch.ID)
		}
	case "open":
		if len(args) != 1 {
			return fmt.Errorf("usage: /open <channel>")
		}
		if _, ok := c.engine.Snapshot().Channel(args[0]); !ok {
			return domain.ErrUnknownChannel
		}
		c.mu.Lock()
		c.channel = args[0]
		c.mu.Unlock()
		return c.showHistory(defaultPage)
	case "history":
		n := defaultPage
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return fmt.Errorf("usage: /history [count]")
			}
			n = v
		}
		return c.showHistory(n)
	case "more":
		ch, err := c.requireChannel()
		if err != nil {
			return err
		}
		page, err := c.engine.Snapshot().ChannelMessages(ch.ID, cache.Window{})
		if err != nil {
			return err
		}
		var before string
		if len(page.Messages) > 0 {
			before = page.Messages[0].ID
		}
		_, err = c.engine.Submit(ctx, domain.FetchHistory{GuildID: ch.GuildID, ChannelID: ch.ID, Before: before, Limit: defaultPage})
		return err
	case "edit":
		ch, err := c.requireChannel()
		if err != nil {
			return err
		}
		id, content, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(content) == "" {
			return fmt.Errorf("usage: /edit <message> <text>")
		}
		_, err = c.engine.Submit(ctx, domain.EditMessage{GuildID: ch.GuildID, ChannelID: ch.ID, MessageID: id, Content: strings.TrimSpace(content)})
		return err
	case "delete":
		ch, err := c.requireChannel()
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: /delete <message>")
		}
		_, err = c.engine.Submit(ctx, domain.DeleteMessage{GuildID: ch.GuildID, ChannelID: ch.ID, MessageID: args[0]})
		return err
	case "join":
		if len(args) != 1 {
			return fmt.Errorf("usage: /join <invite>")
		}
		_, err := c.engine.Submit(ctx, domain.JoinGuild{Invite: args[0]})
		return err
	case "leave":
		if len(args) != 1 {
			return fmt.Errorf("usage: /leave <guild>")
		}
		_, err := c.engine.Submit(ctx, domain.LeaveGuild{GuildID: args[0]})
		return err
	case "mkchan":
		if len(args) != 2 {
			return fmt.Errorf("usage: /mkchan <guild> <name>")
		}
		_, err := c.engine.Submit(ctx, domain.CreateChannel{GuildID: args[0], Name: args[1]})
		return err
	case "outbox":
		entries := c.engine.Outbox()
		if len(entries) == 0 {
			c.println("outbox is empty")
		}
		for _, e := range entries {
			c.printf("%s  %-14s %-9s attempts=%d %s\n", e.CorrelationID, e.Action.ActionKind(), e.Status, e.Attempts, e.LastError)
		}
	case "resend":
		if len(args) != 1 {
			return fmt.Errorf("usage: /resend <correlation id>")
		}
		return c.engine.Resend(ctx, args[0])
	case "fetch":
		if len(args) != 1 {
			return fmt.Errorf("usage: /fetch <message>")
		}
		return c.fetchAttachments(ctx, args[0])
	case "members":
		if len(args) != 1 {
			return fmt.Errorf("usage: /members <guild>")
		}
		st := c.engine.Snapshot()
		if _, ok := st.Guild(args[0]); !ok {
			return domain.ErrUnknownGuild
		}
		for _, id := range st.Members(args[0]) {
			c.println(formatMember(st, id))
		}
	case "profile":
		if len(args) != 1 {
			return fmt.Errorf("usage: /profile <user>")
		}
		_, err := c.engine.Submit(ctx, domain.FetchProfile{UserID: args[0]})
		return err
	case "avatar":
		if len(args) != 1 {
			return fmt.Errorf("usage: /avatar <user>")
		}
		return c.fetchAvatar(ctx, args[0])
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
	return nil
}

func (c *Console) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Console) requireChannel() (domain.Channel, error) {
	id := c.current()
	if id == "" {
		return domain.Channel{}, fmt.Errorf("no channel open; use /open <channel>")
	}
	ch, ok := c.engine.Snapshot().Channel(id)
	if !ok {
		return domain.Channel{}, domain.ErrUnknownChannel
	}
	return ch, nil
}

func (c *Console) showHistory(n int) error {
	ch, err := c.requireChannel()
	if err != nil {
		return err
	}
	page, err := c.engine.Snapshot().ChannelMessages(ch.ID, cache.Window{Limit: n})
	if err != nil {
		return err
	}
	if page.NeedsRefetch {
		c.println("(older messages not cached, /more fetches them)")
	}
	for _, m := range page.Messages {
		c.println(formatMessage(m))
	}
	return nil
}

func (c *Console) fetchAttachments(ctx context.Context, messageID string) error {
	if c.attachments == nil {
		return fmt.Errorf("attachments are not configured")
	}
	ch, err := c.requireChannel()
	if err != nil {
		return err
	}
	m, ok := c.engine.Snapshot().Message(ch.ID, messageID)
	if !ok {
		return fmt.Errorf("message %s is not cached", messageID)
	}
	if len(m.Attachments) == 0 {
		c.println("no attachments")
		return nil
	}
	for _, ref := range m.Attachments {
		c.resolve(ctx, ref)
	}
	return nil
}

func (c *Console) fetchAvatar(ctx context.Context, userID string) error {
	if c.attachments == nil {
		return fmt.Errorf("attachments are not configured")
	}
	p, ok := c.engine.Snapshot().Profile(userID)
	if !ok {
		return fmt.Errorf("no profile for %s; /profile %s fetches it", userID, userID)
	}
	if p.Avatar == nil {
		c.println("no avatar")
		return nil
	}
	c.resolve(ctx, *p.Avatar)
	return nil
}

// resolve prints where an attachment ended up, waiting for a download
// when one is needed.
func (c *Console) resolve(ctx context.Context, ref domain.AttachmentRef) {
	for res := range c.attachments.Resolve(ref) {
		switch r := res.(type) {
		case attachment.Ready:
			c.printf("%s  %s\n", ref.ID, r.Path)
		case attachment.Fetching:
			path, err := r.Wait(ctx)
			if err != nil {
				c.printf("%s  failed: %v\n", ref.ID, err)
				continue
			}
			c.printf("%s  %s\n", ref.ID, path)
		}
	}
}

// watch prints deltas relevant to the user.
func (c *Console) watch(ctx context.Context, deltas <-chan domain.Delta) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-deltas:
			for _, ch := range d.Changes {
				c.showChange(ch)
			}
		}
	}
}

func (c *Console) showChange(ch domain.Change) {
	switch ch.Entity {
	case domain.EntitySession:
		if ch.Detail != "" {
			c.printf("\r* %s (%s)\n", ch.ID, ch.Detail)
		} else {
			c.printf("\r* %s\n", ch.ID)
		}
	case domain.EntityAction:
		if ch.Op == domain.OpFailed {
			c.printf("\r! %s failed: %s (/resend %s)\n", ch.ID, ch.Detail, ch.CorrelationID)
		}
	case domain.EntityMessage:
		if ch.ChannelID != c.current() || ch.Op != domain.OpAdded {
			return
		}
		if m, ok := c.engine.Snapshot().Message(ch.ChannelID, ch.ID); ok {
			c.printf("\r%s\n", formatMessage(m))
		}
	case domain.EntityTyping:
		if ch.ChannelID == c.current() {
			c.printf("\r* %s is typing\n", ch.ID)
		}
	}
}

func formatMember(st *cache.State, userID string) string {
	p, ok := st.Profile(userID)
	if !ok {
		return userID
	}
	line := p.DisplayName() + "  " + userID
	if p.Status != "" {
		line += "  " + string(p.Status)
	}
	if p.IsBot {
		line += "  [bot]"
	}
	return line
}

func formatMessage(m domain.Message) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.Local().Format(time.TimeOnly))
	b.WriteString(" <" + m.AuthorID + "> ")
	switch {
	case m.Deleted:
		b.WriteString("(deleted)")
	default:
		b.WriteString(m.Content)
	}
	if !m.EditedAt.IsZero() && !m.Deleted {
		b.WriteString(" (edited)")
	}
	for _, a := range m.Attachments {
		name := a.Name
		if name == "" {
			name = a.ID
		}
		b.WriteString(" [" + name + "]")
	}
	switch m.State {
	case domain.SendPending:
		b.WriteString(" …")
	case domain.SendFailed:
		b.WriteString(" (failed, /resend " + m.CorrelationID + ")")
	}
	b.WriteString("  " + m.ID)
	return b.String()
}

func (c *Console) help() {
	c.println(`Commands:
  /guilds                     list guilds
  /channels <guild>           list channels of a guild
  /open <channel>             open a channel; plain text is sent there
  /history [count]            show cached messages
  /more                       fetch older messages from the server
  /edit <message> <text>      edit a message
  /delete <message>           delete a message
  /fetch <message>            download a message's attachments
  /members <guild>            list a guild's members
  /profile <user>             fetch a user's profile
  /avatar <user>              download a user's avatar
  /join <invite>              join a guild
  /leave <guild>              leave a guild
  /mkchan <guild> <name>      create a channel
  /outbox                     list unconfirmed actions
  /resend <correlation id>    retry a failed action
  /status                     connection and cache state
  /quit                       exit`)
}

func (c *Console) prompt() {
	ch := c.current()
	if ch != "" {
		if info, ok := c.engine.Snapshot().Channel(ch); ok {
			ch = info.Name
		}
	}
	c.printf("#%s> ", ch)
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
