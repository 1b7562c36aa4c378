// Package reducer folds server events and local outbox operations into the
// cache. Every function here is pure: it takes a State and returns a new
// State plus the Delta describing what changed.
package reducer

import (
	"guildsync/internal/cache"
	"guildsync/internal/domain"
)

// Apply folds one stream event into s. Events at or below the current
// cursor are ignored, which makes redelivery harmless.
func Apply(s *cache.State, ev domain.Event) (*cache.State, domain.Delta) {
	if ev.Body == nil || ev.Cursor <= s.Cursor() {
		return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
	}

	tx := s.Begin()
	var d domain.Delta
	r := &run{tx: tx, d: &d, ev: ev}

	switch b := ev.Body.(type) {
	case domain.MessageSent:
		r.messageSent(b)
	case domain.MessageEdited:
		r.messageEdited(b)
	case domain.MessageDeleted:
		r.messageDeleted(b)
	case domain.GuildUpdated:
		r.guildUpdated(b)
	case domain.GuildRemoved:
		r.guildRemoved(b)
	case domain.ChannelUpdated:
		r.channelUpdated(b)
	case domain.ChannelDeleted:
		r.channelDeleted(b)
	case domain.MemberJoined:
		r.memberJoined(b)
	case domain.MemberLeft:
		r.memberLeft(b)
	case domain.TypingStarted:
		r.typing(b)
	case domain.ProfileUpdated:
		r.profileUpdated(b)
	case domain.ConnectionDropped:
		// Handled by the session; nothing to store.
		return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
	}

	tx.SetCursor(ev.Cursor)
	return finish(tx, d)
}

func finish(tx *cache.Txn, d domain.Delta) (*cache.State, domain.Delta) {
	next := tx.Commit()
	d.Version = next.Version()
	d.Cursor = next.Cursor()
	return next, d
}

// run carries the state of one Apply call.
type run struct {
	tx *cache.Txn
	d  *domain.Delta
	ev domain.Event
}

func (r *run) warn(entity domain.Entity, id, reason string) {
	r.d.Warn(domain.ConsistencyWarning{
		Event:  r.ev.Kind(),
		Cursor: r.ev.Cursor,
		Entity: entity,
		ID:     id,
		Reason: reason,
	})
}

func (r *run) messageSent(b domain.MessageSent) {
	m := b.Message
	ch, ok := r.tx.Channel(m.ChannelID)
	if !ok {
		r.warn(domain.EntityChannel, m.ChannelID, "message for unknown channel")
		return
	}
	m.GuildID = ch.GuildID
	m.State = domain.SendConfirmed

	if pending, ok := r.tx.FindCorrelated(m.ChannelID, m.CorrelationID); ok {
		r.tx.ReplaceMessage(m.ChannelID, pending.ID, m)
		r.d.Add(domain.Change{
			Op: domain.OpUpdated, Entity: domain.EntityMessage,
			GuildID: m.GuildID, ChannelID: m.ChannelID, ID: m.ID,
			CorrelationID: m.CorrelationID, Detail: "confirmed",
		})
	} else if existing, ok := r.tx.Message(m.ChannelID, m.ID); ok {
		if m.CorrelationID == "" {
			m.CorrelationID = existing.CorrelationID
		}
		r.tx.PutMessage(m)
		r.d.Add(domain.Change{
			Op: domain.OpUpdated, Entity: domain.EntityMessage,
			GuildID: m.GuildID, ChannelID: m.ChannelID, ID: m.ID,
			CorrelationID: m.CorrelationID, Detail: "confirmed",
		})
	} else {
		evicted := r.tx.PutMessage(m)
		r.d.Add(domain.Change{
			Op: domain.OpAdded, Entity: domain.EntityMessage,
			GuildID: m.GuildID, ChannelID: m.ChannelID, ID: m.ID,
			CorrelationID: m.CorrelationID,
		})
		addEvictions(r.d, m.GuildID, m.ChannelID, evicted)
	}

	nc := *ch
	nc.LastCursor = r.ev.Cursor
	r.tx.PutChannel(nc)
}

func (r *run) messageEdited(b domain.MessageEdited) {
	m, ok := r.tx.Message(b.ChannelID, b.MessageID)
	if !ok {
		r.warn(domain.EntityMessage, b.MessageID, "edit of message not in cache")
		return
	}
	if m.Deleted {
		r.warn(domain.EntityMessage, b.MessageID, "edit of deleted message")
		return
	}
	nm := *m
	nm.Content = b.Content
	nm.EditedAt = b.EditedAt
	r.tx.PutMessage(nm)
	r.d.Add(domain.Change{
		Op: domain.OpUpdated, Entity: domain.EntityMessage,
		GuildID: nm.GuildID, ChannelID: nm.ChannelID, ID: nm.ID, Detail: "edited",
	})
}

func (r *run) messageDeleted(b domain.MessageDeleted) {
	m, ok := r.tx.Message(b.ChannelID, b.MessageID)
	if !ok {
		r.warn(domain.EntityMessage, b.MessageID, "delete of message not in cache")
		return
	}
	if m.Deleted {
		return
	}
	nm := *m
	nm.Deleted = true
	nm.Content = ""
	nm.Attachments = nil
	r.tx.PutMessage(nm)
	r.d.Add(domain.Change{
		Op: domain.OpRemoved, Entity: domain.EntityMessage,
		GuildID: nm.GuildID, ChannelID: nm.ChannelID, ID: nm.ID,
	})
}

func (r *run) guildUpdated(b domain.GuildUpdated) {
	op := domain.OpUpdated
	var g domain.Guild
	if cur, ok := r.tx.Guild(b.GuildID); ok {
		g = *cur
	} else {
		g = domain.Guild{ID: b.GuildID}
		op = domain.OpAdded
	}
	if b.Name != nil {
		g.Name = *b.Name
	}
	if b.Picture != nil {
		g.Picture = *b.Picture
	}
	if b.OwnerID != nil {
		g.OwnerID = *b.OwnerID
	}
	r.tx.PutGuild(g)
	r.d.Add(domain.Change{Op: op, Entity: domain.EntityGuild, GuildID: g.ID, ID: g.ID})
}

func (r *run) guildRemoved(b domain.GuildRemoved) {
	if !r.tx.RemoveGuild(b.GuildID) {
		r.warn(domain.EntityGuild, b.GuildID, "removal of unknown guild")
		return
	}
	r.d.Add(domain.Change{Op: domain.OpRemoved, Entity: domain.EntityGuild, GuildID: b.GuildID, ID: b.GuildID})
}

// ensureGuild creates an empty guild when an update names one we have not seen.
func (r *run) ensureGuild(id string) {
	if _, ok := r.tx.Guild(id); ok {
		return
	}
	r.tx.PutGuild(domain.Guild{ID: id})
	r.d.Add(domain.Change{Op: domain.OpAdded, Entity: domain.EntityGuild, GuildID: id, ID: id})
}

func (r *run) channelUpdated(b domain.ChannelUpdated) {
	op := domain.OpUpdated
	var c domain.Channel
	if cur, ok := r.tx.Channel(b.ChannelID); ok {
		c = *cur
	} else {
		r.ensureGuild(b.GuildID)
		c = domain.Channel{ID: b.ChannelID, GuildID: b.GuildID}
		op = domain.OpAdded
	}
	if b.Name != nil {
		c.Name = *b.Name
	}
	if b.IsCategory != nil {
		c.IsCategory = *b.IsCategory
	}
	r.tx.PutChannel(c)
	r.d.Add(domain.Change{Op: op, Entity: domain.EntityChannel, GuildID: c.GuildID, ChannelID: c.ID, ID: c.ID})
}

func (r *run) channelDeleted(b domain.ChannelDeleted) {
	if !r.tx.RemoveChannel(b.ChannelID) {
		r.warn(domain.EntityChannel, b.ChannelID, "delete of unknown channel")
		return
	}
	r.d.Add(domain.Change{Op: domain.OpRemoved, Entity: domain.EntityChannel, GuildID: b.GuildID, ChannelID: b.ChannelID, ID: b.ChannelID})
}

func (r *run) memberJoined(b domain.MemberJoined) {
	r.ensureGuild(b.GuildID)
	if r.tx.AddMember(b.GuildID, b.UserID) {
		r.d.Add(domain.Change{Op: domain.OpAdded, Entity: domain.EntityMember, GuildID: b.GuildID, ID: b.UserID})
	}
}

func (r *run) memberLeft(b domain.MemberLeft) {
	if _, ok := r.tx.Guild(b.GuildID); !ok {
		r.warn(domain.EntityGuild, b.GuildID, "member left unknown guild")
		return
	}
	if r.tx.RemoveMember(b.GuildID, b.UserID) {
		r.d.Add(domain.Change{Op: domain.OpRemoved, Entity: domain.EntityMember, GuildID: b.GuildID, ID: b.UserID})
	}
}

func (r *run) typing(b domain.TypingStarted) {
	if _, ok := r.tx.Channel(b.ChannelID); !ok {
		return
	}
	r.d.Add(domain.Change{Op: domain.OpTransient, Entity: domain.EntityTyping, GuildID: b.GuildID, ChannelID: b.ChannelID, ID: b.UserID})
}

func (r *run) profileUpdated(b domain.ProfileUpdated) {
	op := domain.OpUpdated
	var p domain.Profile
	if cur, ok := r.tx.Profile(b.UserID); ok {
		p = *cur
	} else {
		p = domain.Profile{UserID: b.UserID}
		op = domain.OpAdded
	}
	if b.Username != nil {
		p.Username = *b.Username
	}
	if b.Avatar != nil {
		p.Avatar = nil
		if b.Avatar.ID != "" {
			a := *b.Avatar
			p.Avatar = &a
		}
	}
	if b.Status != nil {
		p.Status = *b.Status
	}
	if b.IsBot != nil {
		p.IsBot = *b.IsBot
	}
	r.tx.PutProfile(p)
	r.d.Add(domain.Change{Op: op, Entity: domain.EntityProfile, ID: p.UserID})
}

func addEvictions(d *domain.Delta, guildID, channelID string, ids []string) {
	for _, id := range ids {
		d.Add(domain.Change{
			Op: domain.OpRemoved, Entity: domain.EntityMessage,
			GuildID: guildID, ChannelID: channelID, ID: id, Detail: "evicted",
		})
	}
}
