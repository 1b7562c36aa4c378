package bus

import (
	"log/slog"
	"strconv"
	"sync"

	"guildsync/internal/domain"
	"guildsync/internal/metrics"
)

// DeltaHandler is a synchronous delta callback. It runs on the engine
// goroutine and must return quickly.
type DeltaHandler func(domain.Delta)

// DeltaFeed fans deltas out to callbacks and channel subscribers. Emit never
// blocks: a subscriber whose buffer is full misses the delta and notices the
// gap in Delta.Version.
type DeltaFeed struct {
	mu         sync.RWMutex
	handlers   []namedHandler
	subs       map[int]chan domain.Delta
	nextID     int
	logger     *slog.Logger
	history    []domain.Delta
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler DeltaHandler
}

// NewDeltaFeed creates a feed that remembers the last maxHistory deltas.
func NewDeltaFeed(maxHistory int, logger *slog.Logger) *DeltaFeed {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeltaFeed{
		subs:       make(map[int]chan domain.Delta),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a callback and returns its id for Off.
func (f *DeltaFeed) On(handler DeltaHandler) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "h" + strconv.Itoa(f.nextID)
	f.handlers = append(f.handlers, namedHandler{ID: id, Handler: handler})
	return id
}

func (f *DeltaFeed) Off(handlerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, h := range f.handlers {
		if h.ID == handlerID {
			f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
			return
		}
	}
}

// Subscribe returns a channel receiving every delta from now on, and a
// function that ends the subscription and closes the channel.
func (f *DeltaFeed) Subscribe(buffer int) (<-chan domain.Delta, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Delta, buffer)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Emit delivers d to every handler and subscriber. Empty deltas are skipped.
func (f *DeltaFeed) Emit(d domain.Delta) {
	if d.Empty() {
		return
	}

	f.mu.Lock()
	if len(f.history) >= f.maxHistory {
		f.history = f.history[1:]
	}
	f.history = append(f.history, d)
	handlers := append([]namedHandler(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("delta handler panic", "handler", nh.ID, "version", d.Version, "panic", r)
				}
			}()
			nh.Handler(d)
		}(h)
	}

	// Held across sends so the cancel func cannot close a channel mid-send.
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.subs {
		select {
		case ch <- d:
		default:
			metrics.DeltasDropped.Inc()
			f.logger.Debug("delta dropped for slow subscriber", "subscriber", id, "version", d.Version)
		}
	}
}

// Replay returns remembered deltas with a version above since, oldest first.
// ok is false when history no longer reaches back that far and the caller
// must resync from a snapshot.
func (f *DeltaFeed) Replay(since uint64) (out []domain.Delta, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.history) > 0 && f.history[0].Version > since+1 {
		return nil, false
	}
	for _, d := range f.history {
		if d.Version > since {
			out = append(out, d)
		}
	}
	return out, true
}

// HistoryLen returns the number of remembered deltas.
func (f *DeltaFeed) HistoryLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.history)
}
