package cache

import (
	"maps"
	"slices"

	"guildsync/internal/domain"
)

// Txn builds the next State. It is the only way to change the cache and must
// be used from a single goroutine.
type Txn struct {
	base    *State
	next    *State
	changed bool

	guildsCopied   bool
	channelsCopied bool
	windowsCopied  bool
	profilesCopied bool
	ownedGuilds    map[string]bool
	ownedWindows   map[string]bool
}

// Begin starts a transaction on top of s.
func (s *State) Begin() *Txn {
	next := *s
	return &Txn{
		base:         s,
		next:         &next,
		ownedGuilds:  make(map[string]bool),
		ownedWindows: make(map[string]bool),
	}
}

// Commit returns the new State, or the base State when nothing changed.
func (t *Txn) Commit() *State {
	if !t.changed {
		return t.base
	}
	t.next.version = t.base.version + 1
	return t.next
}

// Guild returns the in-progress guild. The result must not be modified.
func (t *Txn) Guild(id string) (*domain.Guild, bool) {
	g, ok := t.next.guilds[id]
	return g, ok
}

// Channel returns the in-progress channel. The result must not be modified.
func (t *Txn) Channel(id string) (*domain.Channel, bool) {
	c, ok := t.next.channels[id]
	return c, ok
}

// Message returns the in-progress message. The result must not be modified.
func (t *Txn) Message(channelID, id string) (*domain.Message, bool) {
	w, ok := t.next.windows[channelID]
	if !ok {
		return nil, false
	}
	if i := w.index(id); i >= 0 {
		return w.msgs[i], true
	}
	return nil, false
}

// Profile returns the in-progress profile. The result must not be modified.
func (t *Txn) Profile(userID string) (*domain.Profile, bool) {
	p, ok := t.next.profiles[userID]
	return p, ok
}

// FindCorrelated finds an unconfirmed or just-promoted message by correlation id.
func (t *Txn) FindCorrelated(channelID, correlationID string) (*domain.Message, bool) {
	if correlationID == "" {
		return nil, false
	}
	w, ok := t.next.windows[channelID]
	if !ok {
		return nil, false
	}
	for _, m := range w.msgs {
		if m.CorrelationID == correlationID {
			return m, true
		}
	}
	return nil, false
}

// Unconfirmed counts Pending and Failed messages in the in-progress window.
func (t *Txn) Unconfirmed(channelID string) int {
	return t.next.Unconfirmed(channelID)
}

// SetCursor advances the stream cursor. Lower values are ignored.
func (t *Txn) SetCursor(c domain.Cursor) {
	if c > t.next.cursor {
		t.next.cursor = c
		t.changed = true
	}
}

// PutGuild inserts or replaces a guild. New guilds go to the end of the order.
func (t *Txn) PutGuild(g domain.Guild) {
	t.copyGuilds()
	if _, exists := t.next.guilds[g.ID]; !exists {
		t.next.order = append(slices.Clip(t.next.order), g.ID)
	}
	ng := cloneGuild(&g)
	t.next.guilds[g.ID] = &ng
	t.ownedGuilds[g.ID] = true
	t.changed = true
}

// RemoveGuild drops a guild together with its channels and their windows.
func (t *Txn) RemoveGuild(id string) bool {
	g, ok := t.next.guilds[id]
	if !ok {
		return false
	}
	for _, chID := range g.Channels {
		t.dropChannel(chID)
	}
	t.copyGuilds()
	delete(t.next.guilds, id)
	t.next.order = slices.DeleteFunc(slices.Clone(t.next.order), func(s string) bool { return s == id })
	t.changed = true
	return true
}

// PutChannel inserts or replaces a channel. The guild must exist; a new
// channel is appended to the guild's channel list.
func (t *Txn) PutChannel(c domain.Channel) {
	g, ok := t.next.guilds[c.GuildID]
	if !ok {
		return
	}
	if !slices.Contains(g.Channels, c.ID) {
		ng := t.editGuild(c.GuildID)
		ng.Channels = append(ng.Channels, c.ID)
	}
	t.copyChannels()
	t.next.channels[c.ID] = &c
	t.changed = true
}

// RemoveChannel drops a channel and its window.
func (t *Txn) RemoveChannel(id string) bool {
	c, ok := t.next.channels[id]
	if !ok {
		return false
	}
	if _, ok := t.next.guilds[c.GuildID]; ok {
		g := t.editGuild(c.GuildID)
		g.Channels = slices.DeleteFunc(g.Channels, func(s string) bool { return s == id })
	}
	t.dropChannel(id)
	t.changed = true
	return true
}

// AddMember adds a user to a guild's roster. It reports false if already present.
func (t *Txn) AddMember(guildID, userID string) bool {
	g, ok := t.next.guilds[guildID]
	if !ok {
		return false
	}
	i, found := slices.BinarySearch(g.Members, userID)
	if found {
		return false
	}
	ng := t.editGuild(guildID)
	ng.Members = slices.Insert(ng.Members, i, userID)
	return true
}

// RemoveMember removes a user from a guild's roster.
func (t *Txn) RemoveMember(guildID, userID string) bool {
	g, ok := t.next.guilds[guildID]
	if !ok {
		return false
	}
	i, found := slices.BinarySearch(g.Members, userID)
	if !found {
		return false
	}
	ng := t.editGuild(guildID)
	ng.Members = slices.Delete(ng.Members, i, i+1)
	return true
}

// PutProfile inserts or replaces a user's profile.
func (t *Txn) PutProfile(p domain.Profile) {
	if !t.profilesCopied {
		t.next.profiles = maps.Clone(t.base.profiles)
		if t.next.profiles == nil {
			t.next.profiles = make(map[string]*domain.Profile)
		}
		t.profilesCopied = true
	}
	np := cloneProfile(&p)
	t.next.profiles[p.UserID] = &np
	t.changed = true
}

// PutMessage inserts a message at the newest end of its channel window, or
// replaces the message with the same id in place. It returns the ids of
// messages evicted to stay within capacity. The channel must exist.
func (t *Txn) PutMessage(m domain.Message) []string {
	if _, ok := t.next.channels[m.ChannelID]; !ok {
		return nil
	}
	w := t.editWindow(m.ChannelID)
	if i := w.index(m.ID); i >= 0 {
		w.msgs[i] = &m
		return nil
	}
	w.msgs = append(w.msgs, &m)
	return t.evict(w)
}

// ReplaceMessage swaps the message stored under oldID for m, keeping its
// position. Used when a pending message adopts its server id.
func (t *Txn) ReplaceMessage(channelID, oldID string, m domain.Message) bool {
	w, ok := t.next.windows[channelID]
	if !ok || w.index(oldID) < 0 {
		return false
	}
	w = t.editWindow(channelID)
	i := w.index(oldID)
	if j := w.index(m.ID); j >= 0 && j != i {
		// The server id is already present; collapse onto it.
		w.msgs[j] = &m
		w.msgs = slices.Delete(w.msgs, i, i+1)
		return true
	}
	w.msgs[i] = &m
	return true
}

// PrependHistory adds older messages at the front of a window. Messages
// already present are skipped. Returns the ids actually inserted.
func (t *Txn) PrependHistory(channelID string, older []domain.Message) []string {
	if _, ok := t.next.channels[channelID]; !ok || len(older) == 0 {
		return nil
	}
	cur := t.next.windows[channelID]
	var fresh []*domain.Message
	for i := range older {
		if cur != nil && cur.index(older[i].ID) >= 0 {
			continue
		}
		m := older[i]
		fresh = append(fresh, &m)
	}
	if len(fresh) == 0 {
		return nil
	}

	w := t.editWindow(channelID)
	room := t.next.capacity - len(w.msgs)
	if room <= 0 {
		w.truncated = true
		return nil
	}
	if len(fresh) > room {
		// Keep the newest of the fetched page.
		fresh = fresh[len(fresh)-room:]
		w.truncated = true
	}
	w.msgs = append(fresh, w.msgs...)
	ids := make([]string, len(fresh))
	for i, m := range fresh {
		ids[i] = m.ID
	}
	return ids
}

// evict drops the oldest confirmed messages until the window fits.
// Unconfirmed messages are never dropped.
func (t *Txn) evict(w *window) []string {
	var evicted []string
	for len(w.msgs) > t.next.capacity {
		i := slices.IndexFunc(w.msgs, func(m *domain.Message) bool { return !m.Unconfirmed() })
		if i < 0 {
			break
		}
		evicted = append(evicted, w.msgs[i].ID)
		w.msgs = slices.Delete(w.msgs, i, i+1)
		w.truncated = true
	}
	return evicted
}

func (t *Txn) dropChannel(id string) {
	t.copyChannels()
	delete(t.next.channels, id)
	if _, ok := t.next.windows[id]; ok {
		t.copyWindows()
		delete(t.next.windows, id)
		delete(t.ownedWindows, id)
	}
}

func (t *Txn) editGuild(id string) *domain.Guild {
	t.copyGuilds()
	t.changed = true
	if !t.ownedGuilds[id] {
		g := cloneGuild(t.next.guilds[id])
		t.next.guilds[id] = &g
		t.ownedGuilds[id] = true
	}
	return t.next.guilds[id]
}

func (t *Txn) editWindow(channelID string) *window {
	t.copyWindows()
	t.changed = true
	if !t.ownedWindows[channelID] {
		t.next.windows[channelID] = t.next.windows[channelID].clone()
		t.ownedWindows[channelID] = true
	}
	return t.next.windows[channelID]
}

func (t *Txn) copyGuilds() {
	if !t.guildsCopied {
		t.next.guilds = maps.Clone(t.base.guilds)
		t.guildsCopied = true
	}
}

func (t *Txn) copyChannels() {
	if !t.channelsCopied {
		t.next.channels = maps.Clone(t.base.channels)
		t.channelsCopied = true
	}
}

func (t *Txn) copyWindows() {
	if !t.windowsCopied {
		t.next.windows = maps.Clone(t.base.windows)
		t.windowsCopied = true
	}
}
