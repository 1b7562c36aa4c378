package cache

import (
	"maps"
	"slices"

	"guildsync/internal/domain"
)

// Dump is a plain, encodable copy of a State.
type Dump struct {
	Cursor   domain.Cursor    `cbor:"cursor"`
	Guilds   []domain.Guild   `cbor:"guilds"`
	Channels []domain.Channel `cbor:"channels"`
	Windows  []WindowDump     `cbor:"windows"`
	Profiles []domain.Profile `cbor:"profiles,omitempty"`
}

// WindowDump is one channel's retained messages.
type WindowDump struct {
	ChannelID string           `cbor:"channelId"`
	Truncated bool             `cbor:"truncated,omitempty"`
	Messages  []domain.Message `cbor:"messages"`
}

// Export copies the state into a Dump. Unconfirmed messages are left out:
// their outbox entries do not survive a restart.
func (s *State) Export() Dump {
	d := Dump{Cursor: s.cursor, Guilds: s.Guilds()}
	for _, g := range d.Guilds {
		for _, chID := range g.Channels {
			c, ok := s.channels[chID]
			if !ok {
				continue
			}
			d.Channels = append(d.Channels, *c)
			w := s.windows[chID]
			if w == nil {
				continue
			}
			wd := WindowDump{ChannelID: chID, Truncated: w.truncated}
			for _, m := range w.msgs {
				if m.Unconfirmed() {
					continue
				}
				wd.Messages = append(wd.Messages, *m)
			}
			d.Windows = append(d.Windows, wd)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(s.profiles)) {
		d.Profiles = append(d.Profiles, cloneProfile(s.profiles[id]))
	}
	return d
}

// FromDump rebuilds a State. Channels without a guild and messages without
// a channel are dropped; windows larger than capacity keep their newest
// messages.
func FromDump(d Dump, capacity int) *State {
	byID := make(map[string]domain.Channel, len(d.Channels))
	for _, c := range d.Channels {
		byID[c.ID] = c
	}

	s := New(capacity)
	t := s.Begin()
	for _, g := range d.Guilds {
		chans := g.Channels
		g.Channels = nil
		t.PutGuild(g)
		// Keep the dumped order; PutChannel appends.
		for _, chID := range chans {
			if c, ok := byID[chID]; ok && c.GuildID == g.ID {
				t.PutChannel(c)
			}
		}
	}
	for _, wd := range d.Windows {
		if _, ok := t.Channel(wd.ChannelID); !ok {
			continue
		}
		for _, m := range wd.Messages {
			m.ChannelID = wd.ChannelID
			t.PutMessage(m)
		}
		if wd.Truncated {
			t.editWindow(wd.ChannelID).truncated = true
		}
	}
	for _, p := range d.Profiles {
		if p.UserID != "" {
			t.PutProfile(p)
		}
	}
	t.SetCursor(d.Cursor)
	return t.Commit()
}
