// Package outbox tracks user actions that the server has not yet confirmed.
package outbox

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"guildsync/internal/domain"

	"github.com/google/uuid"
)

// DefaultAbandonAfter is how long an entry may wait for an outcome before it
// is forced to Failed.
const DefaultAbandonAfter = 2 * time.Minute

// Status is the lifecycle of an entry.
type Status int

const (
	Queued   Status = iota // waiting for a streaming session
	InFlight               // RPC dispatched, waiting for ack or confirming event
	Failed                 // needs a user-initiated resend
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in_flight"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one outstanding action.
type Entry struct {
	CorrelationID string
	Action        domain.Action
	ChannelID     string
	MessageID     string // id of the optimistic message, sends only
	ServerID      string
	Attempts      int
	Status        Status
	LastError     string
	CreatedAt     time.Time
	since         time.Time
}

// Optimistic reports whether the entry has a Pending message in the cache.
func (e Entry) Optimistic() bool {
	return e.MessageID != ""
}

type Config struct {
	AbandonAfter time.Duration
	Now          func() time.Time
	NewID        func() string
	Logger       *slog.Logger
}

// Outbox holds entries keyed by correlation id. At most one entry exists per
// id and removal happens once.
type Outbox struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string

	abandonAfter time.Duration
	now          func() time.Time
	newID        func() string
	logger       *slog.Logger
}

func New(cfg Config) *Outbox {
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = DefaultAbandonAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Outbox{
		entries:      make(map[string]*Entry),
		abandonAfter: cfg.AbandonAfter,
		now:          cfg.Now,
		newID:        cfg.NewID,
		logger:       cfg.Logger,
	}
}

// NewCorrelationID returns a fresh id without recording anything.
func (o *Outbox) NewCorrelationID() string {
	return o.newID()
}

// Add records a new Queued entry. messageID is the optimistic message id
// for sends and empty otherwise. A correlation id already in the outbox is
// refused with ErrDuplicateEntry and the existing entry is left alone.
func (o *Outbox) Add(correlationID string, action domain.Action, messageID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.entries[correlationID]; dup {
		return Entry{}, fmt.Errorf("add %s: %w", correlationID, domain.ErrDuplicateEntry)
	}
	now := o.now()
	e := &Entry{
		CorrelationID: correlationID,
		Action:        action,
		ChannelID:     domain.ChannelOf(action),
		MessageID:     messageID,
		Status:        Queued,
		CreatedAt:     now,
		since:         now,
	}
	o.order = append(o.order, correlationID)
	o.entries[correlationID] = e
	o.logger.Debug("outbox entry added", "correlation_id", correlationID, "action", action.ActionKind())
	return *e, nil
}

// TakeQueued marks every Queued entry InFlight and returns them in
// submission order.
func (o *Outbox) TakeQueued() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Entry
	now := o.now()
	for _, id := range o.order {
		e := o.entries[id]
		if e.Status != Queued {
			continue
		}
		e.Status = InFlight
		e.Attempts++
		e.since = now
		out = append(out, *e)
	}
	return out
}

// Ack records a successful RPC. Optimistic entries stay until their
// confirming event arrives; everything else is complete and removed.
// done reports whether the entry was removed.
func (o *Outbox) Ack(correlationID, serverID string) (e Entry, done, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, false, false
	}
	cur.ServerID = serverID
	if cur.Status == Failed {
		// The server accepted it after all; wait for the event again.
		cur.Status = InFlight
		cur.LastError = ""
	}
	cur.since = o.now()
	if cur.Optimistic() {
		return *cur, false, true
	}
	o.removeLocked(correlationID)
	return *cur, true, true
}

// Fail moves an entry to Failed. It returns false if the entry is gone,
// which happens when a confirming event won the race.
func (o *Outbox) Fail(correlationID string, err error) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, false
	}
	cur.Status = Failed
	if err != nil {
		cur.LastError = err.Error()
	}
	return *cur, true
}

// Confirm removes the entry. A second call for the same id is a no-op and
// returns false.
func (o *Outbox) Confirm(correlationID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, false
	}
	o.removeLocked(correlationID)
	return *cur, true
}

// ConfirmServerID removes the entry whose acknowledged server id matches.
func (o *Outbox) ConfirmServerID(serverID string) (Entry, bool) {
	if serverID == "" {
		return Entry{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, id := range o.order {
		if e := o.entries[id]; e.ServerID == serverID {
			o.removeLocked(id)
			return *e, true
		}
	}
	return Entry{}, false
}

// Resend puts a Failed entry back in the queue under the same correlation id.
func (o *Outbox) Resend(correlationID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, domain.ErrUnknownEntry
	}
	if cur.Status != Failed {
		return Entry{}, domain.ErrNotResendable
	}
	cur.Status = Queued
	cur.LastError = ""
	cur.since = o.now()
	return *cur, nil
}

// Abandon forces entries that have waited longer than the abandonment
// timeout without any outcome to Failed, and returns them.
func (o *Outbox) Abandon() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Entry
	now := o.now()
	for _, id := range o.order {
		e := o.entries[id]
		if e.Status == Failed || now.Sub(e.since) < o.abandonAfter {
			continue
		}
		e.Status = Failed
		e.LastError = "no confirmation before timeout"
		out = append(out, *e)
		o.logger.Warn("outbox entry abandoned", "correlation_id", id, "attempts", e.Attempts)
	}
	return out
}

func (o *Outbox) Get(correlationID string) (Entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[correlationID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns all entries in submission order.
func (o *Outbox) Entries() []Entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.entries[id])
	}
	return out
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

func (o *Outbox) removeLocked(correlationID string) {
	delete(o.entries, correlationID)
	o.order = slices.DeleteFunc(o.order, func(s string) bool { return s == correlationID })
}

// Requeue returns an InFlight entry to the queue without counting it as a
// failure. Used when the session dropped before the RPC went out.
func (o *Outbox) Requeue(correlationID string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.entries[correlationID]
	if !ok || cur.Status != InFlight {
		return Entry{}, false
	}
	cur.Status = Queued
	cur.since = o.now()
	return *cur, true
}
