// Package cache holds the local replica of guilds, channels, members and a
// bounded window of recent messages per channel.
//
// A *State is immutable once committed. Readers may hold one for as long as
// they like; writers derive a new State through Begin/Commit, which copies
// only the maps and windows it touches.
package cache

import (
	"slices"

	"guildsync/internal/domain"
)

// DefaultCapacity is the per-channel message window size. MinCapacity
// leaves one slot for confirmed traffic next to a pending message.
const (
	DefaultCapacity = 200
	MinCapacity     = 2
)

// State is one immutable version of the cache.
type State struct {
	version  uint64
	cursor   domain.Cursor
	capacity int

	guilds   map[string]*domain.Guild
	order    []string
	channels map[string]*domain.Channel
	windows  map[string]*window
	profiles map[string]*domain.Profile
}

// window is the retained tail of a channel's history, oldest first.
// truncated is set once anything older than msgs[0] has been dropped.
type window struct {
	msgs      []*domain.Message
	truncated bool
}

// New returns an empty cache at version 0.
func New(capacity int) *State {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	capacity = max(capacity, MinCapacity)
	return &State{
		capacity: capacity,
		guilds:   make(map[string]*domain.Guild),
		channels: make(map[string]*domain.Channel),
		windows:  make(map[string]*window),
		profiles: make(map[string]*domain.Profile),
	}
}

func (s *State) Version() uint64       { return s.version }
func (s *State) Cursor() domain.Cursor { return s.cursor }
func (s *State) Capacity() int         { return s.capacity }

// PendingLimit is how many unconfirmed messages a channel may hold. The
// remaining slot keeps the newest server message from being evicted on
// arrival.
func (s *State) PendingLimit() int { return s.capacity - 1 }

// Guilds returns all guilds in join order.
func (s *State) Guilds() []domain.Guild {
	out := make([]domain.Guild, 0, len(s.order))
	for _, id := range s.order {
		if g, ok := s.guilds[id]; ok {
			out = append(out, cloneGuild(g))
		}
	}
	return out
}

func (s *State) Guild(id string) (domain.Guild, bool) {
	g, ok := s.guilds[id]
	if !ok {
		return domain.Guild{}, false
	}
	return cloneGuild(g), true
}

func (s *State) Channel(id string) (domain.Channel, bool) {
	c, ok := s.channels[id]
	if !ok {
		return domain.Channel{}, false
	}
	return *c, true
}

// Channels returns a guild's channels in display order.
func (s *State) Channels(guildID string) []domain.Channel {
	g, ok := s.guilds[guildID]
	if !ok {
		return nil
	}
	out := make([]domain.Channel, 0, len(g.Channels))
	for _, id := range g.Channels {
		if c, ok := s.channels[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// Members returns a guild's roster, sorted.
func (s *State) Members(guildID string) []string {
	g, ok := s.guilds[guildID]
	if !ok {
		return nil
	}
	return slices.Clone(g.Members)
}

// Profile returns a user's profile, if one has been seen.
func (s *State) Profile(userID string) (domain.Profile, bool) {
	p, ok := s.profiles[userID]
	if !ok {
		return domain.Profile{}, false
	}
	return cloneProfile(p), true
}

// DisplayName returns a user's username, falling back to the user id.
func (s *State) DisplayName(userID string) string {
	if p, ok := s.profiles[userID]; ok {
		return p.DisplayName()
	}
	return userID
}

// Message looks up a retained message.
func (s *State) Message(channelID, id string) (domain.Message, bool) {
	w, ok := s.windows[channelID]
	if !ok {
		return domain.Message{}, false
	}
	if i := w.index(id); i >= 0 {
		return *w.msgs[i], true
	}
	return domain.Message{}, false
}

// MessageCount returns how many messages a channel currently retains.
func (s *State) MessageCount(channelID string) int {
	if w, ok := s.windows[channelID]; ok {
		return len(w.msgs)
	}
	return 0
}

// Unconfirmed counts Pending and Failed messages in a channel.
func (s *State) Unconfirmed(channelID string) int {
	w, ok := s.windows[channelID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range w.msgs {
		if m.Unconfirmed() {
			n++
		}
	}
	return n
}

// Window selects a page of a channel's messages. An empty Before means the
// newest messages; Limit <= 0 means everything retained before the anchor.
type Window struct {
	Before string
	Limit  int
}

// Page is a slice of channel history, oldest first. NeedsRefetch is set when
// part of the requested range has been evicted and must be fetched again.
type Page struct {
	Messages     []domain.Message
	NeedsRefetch bool
}

// Err returns domain.ErrEvictionLoss when the page is incomplete.
func (p Page) Err() error {
	if p.NeedsRefetch {
		return domain.ErrEvictionLoss
	}
	return nil
}

// ChannelMessages returns a page of retained messages.
func (s *State) ChannelMessages(channelID string, w Window) (Page, error) {
	if _, ok := s.channels[channelID]; !ok {
		return Page{}, domain.ErrUnknownChannel
	}
	win := s.windows[channelID]
	if win == nil {
		return Page{}, nil
	}

	end := len(win.msgs)
	if w.Before != "" {
		end = win.index(w.Before)
		if end < 0 {
			return Page{NeedsRefetch: true}, nil
		}
	}
	all := w.Limit <= 0
	start := 0
	if !all {
		start = max(0, end-w.Limit)
	}

	page := Page{Messages: make([]domain.Message, 0, end-start)}
	for _, m := range win.msgs[start:end] {
		page.Messages = append(page.Messages, *m)
	}
	page.NeedsRefetch = win.truncated && (all || end-start < w.Limit)
	return page, nil
}

func (w *window) index(id string) int {
	for i, m := range w.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (w *window) clone() *window {
	if w == nil {
		return &window{}
	}
	return &window{msgs: slices.Clone(w.msgs), truncated: w.truncated}
}

func cloneProfile(p *domain.Profile) domain.Profile {
	out := *p
	if p.Avatar != nil {
		a := *p.Avatar
		out.Avatar = &a
	}
	return out
}

func cloneGuild(g *domain.Guild) domain.Guild {
	out := *g
	out.Channels = slices.Clone(g.Channels)
	out.Members = slices.Clone(g.Members)
	return out
}
