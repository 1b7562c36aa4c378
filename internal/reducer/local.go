package reducer

import (
	"reflect"

	"guildsync/internal/cache"
	"guildsync/internal/domain"
)

// Stage inserts an optimistic Pending message. It refuses when the channel
// is unknown or already holds PendingLimit unconfirmed messages, since those
// can never be evicted.
func Stage(s *cache.State, m domain.Message) (*cache.State, domain.Delta, error) {
	tx := s.Begin()
	ch, ok := tx.Channel(m.ChannelID)
	if !ok {
		return s, domain.Delta{}, domain.ErrUnknownChannel
	}
	if tx.Unconfirmed(m.ChannelID) >= s.PendingLimit() {
		return s, domain.Delta{}, domain.ErrOutboxFull
	}
	m.GuildID = ch.GuildID
	m.State = domain.SendPending

	var d domain.Delta
	evicted := tx.PutMessage(m)
	d.Add(domain.Change{
		Op: domain.OpAdded, Entity: domain.EntityMessage,
		GuildID: m.GuildID, ChannelID: m.ChannelID, ID: m.ID,
		CorrelationID: m.CorrelationID, Detail: "pending",
	})
	addEvictions(&d, m.GuildID, m.ChannelID, evicted)
	next, d := finish(tx, d)
	return next, d, nil
}

// MarkFailed moves an unconfirmed message to Failed.
func MarkFailed(s *cache.State, channelID, correlationID, reason string) (*cache.State, domain.Delta) {
	return setState(s, channelID, correlationID, domain.SendFailed, reason)
}

// MarkPending moves a Failed message back to Pending for a resend.
func MarkPending(s *cache.State, channelID, correlationID string) (*cache.State, domain.Delta) {
	return setState(s, channelID, correlationID, domain.SendPending, "resending")
}

func setState(s *cache.State, channelID, correlationID string, st domain.SendState, detail string) (*cache.State, domain.Delta) {
	tx := s.Begin()
	m, ok := tx.FindCorrelated(channelID, correlationID)
	if !ok || !m.Unconfirmed() || m.State == st {
		return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
	}
	nm := *m
	nm.State = st
	tx.PutMessage(nm)

	var d domain.Delta
	d.Add(domain.Change{
		Op: domain.OpUpdated, Entity: domain.EntityMessage,
		GuildID: nm.GuildID, ChannelID: nm.ChannelID, ID: nm.ID,
		CorrelationID: correlationID, Detail: detail,
	})
	return finish(tx, d)
}

// AdoptServerID renames a still-pending message to the id the server
// acknowledged, so a later event carrying only that id still matches it.
// If the server's message is already cached as confirmed, the pending copy
// is folded into it and the result is confirmed.
func AdoptServerID(s *cache.State, channelID, correlationID, serverID string) (*cache.State, domain.Delta) {
	tx := s.Begin()
	m, ok := tx.FindCorrelated(channelID, correlationID)
	if !ok || serverID == "" || m.ID == serverID || !m.Unconfirmed() {
		return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
	}
	oldID := m.ID

	var d domain.Delta
	if existing, ok := tx.Message(channelID, serverID); ok && !existing.Unconfirmed() {
		nm := *existing
		nm.CorrelationID = correlationID
		tx.ReplaceMessage(channelID, oldID, nm)
		d.Add(domain.Change{
			Op: domain.OpRemoved, Entity: domain.EntityMessage,
			GuildID: nm.GuildID, ChannelID: channelID, ID: oldID,
			CorrelationID: correlationID, Detail: "merged into " + serverID,
		})
		d.Add(domain.Change{
			Op: domain.OpUpdated, Entity: domain.EntityMessage,
			GuildID: nm.GuildID, ChannelID: channelID, ID: serverID,
			CorrelationID: correlationID, Detail: "confirmed",
		})
		return finish(tx, d)
	}

	nm := *m
	nm.ID = serverID
	tx.ReplaceMessage(channelID, oldID, nm)
	d.Add(domain.Change{
		Op: domain.OpUpdated, Entity: domain.EntityMessage,
		GuildID: nm.GuildID, ChannelID: channelID, ID: serverID,
		CorrelationID: correlationID, Detail: "acknowledged " + oldID,
	})
	return finish(tx, d)
}

// MergeProfile stores a fetched profile in full. The stream cursor is not
// touched, and an identical profile changes nothing.
func MergeProfile(s *cache.State, p domain.Profile) (*cache.State, domain.Delta) {
	if p.UserID == "" {
		return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
	}
	op := domain.OpAdded
	if cur, ok := s.Profile(p.UserID); ok {
		if reflect.DeepEqual(cur, p) {
			return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
		}
		op = domain.OpUpdated
	}
	tx := s.Begin()
	tx.PutProfile(p)
	var d domain.Delta
	d.Add(domain.Change{Op: op, Entity: domain.EntityProfile, ID: p.UserID, Detail: "fetched"})
	return finish(tx, d)
}

// MergeHistory adds a fetched page of older messages to the front of a
// channel window. The stream cursor is not touched.
func MergeHistory(s *cache.State, channelID string, older []domain.Message) (*cache.State, domain.Delta) {
	tx := s.Begin()
	ch, ok := tx.Channel(channelID)
	if !ok {
		return s, domain.Delta{Version: s.Version(), Cursor: s.Cursor()}
	}
	page := make([]domain.Message, 0, len(older))
	for _, m := range older {
		if m.ChannelID != channelID {
			continue
		}
		m.GuildID = ch.GuildID
		m.State = domain.SendConfirmed
		page = append(page, m)
	}

	var d domain.Delta
	for _, id := range tx.PrependHistory(channelID, page) {
		d.Add(domain.Change{
			Op: domain.OpAdded, Entity: domain.EntityMessage,
			GuildID: ch.GuildID, ChannelID: channelID, ID: id, Detail: "history",
		})
	}
	return finish(tx, d)
}
