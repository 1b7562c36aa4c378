// Package client runs the sync engine: one goroutine that owns the cache
// and the outbox, fed by the session's event stream and by user commands.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"guildsync/internal/bus"
	"guildsync/internal/cache"
	"guildsync/internal/domain"
	"guildsync/internal/metrics"
	"guildsync/internal/outbox"
	"guildsync/internal/reducer"
	"guildsync/internal/session"
	"guildsync/internal/store"
)

const (
	DefaultCapacity     = 200
	defaultBusBuffer    = 256
	defaultDeltaHistory = 1000
	resultBuffer        = 64
	localIDPrefix       = "local-"
)

// Config holds the engine's collaborators and tuning.
type Config struct {
	Transport domain.Transport
	Settings  domain.SettingsStore
	Snapshots domain.SnapshotStore // optional

	Capacity     int           // messages kept per channel (default 200)
	AbandonAfter time.Duration // outbox timeout (default 2m)
	AbandonEvery time.Duration // how often the timeout is checked (default 1s)
	UserID       string        // author of optimistic messages, if known

	RPCTimeout      time.Duration
	MaxCallFailures int
	FlushEvery      int
	Backoff         session.BackoffConfig
	CallsPerMinute  float64 // 0 = unthrottled
	CallBurst       int

	BusBuffer    int
	DeltaHistory int

	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

type rpcResult struct {
	entry outbox.Entry
	ack   domain.Ack
	err   error
}

type stateChange struct {
	state session.State
	err   error
}

// Engine is the session and event-sync engine. Reads go through Snapshot;
// writes go through Submit and Resend, which are served by Run.
type Engine struct {
	settings     domain.SettingsStore
	snapshots    domain.SnapshotStore
	capacity     int
	userID       string
	abandonEvery time.Duration
	now          func() time.Time
	logger       *slog.Logger

	bus      *bus.InMemoryBus
	feed     *bus.DeltaFeed
	outbox   *outbox.Outbox
	session  *session.Controller
	throttle *throttle

	state   atomic.Pointer[cache.State]
	running atomic.Bool
	results chan rpcResult
	stopped chan struct{}

	stateMu   sync.Mutex
	states    []stateChange
	stateKick chan struct{}

	queueMu   sync.Mutex
	queue     []outbox.Entry
	queueKick chan struct{}
}

func New(cfg Config) *Engine {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.AbandonEvery <= 0 {
		cfg.AbandonEvery = time.Second
	}
	if cfg.BusBuffer <= 0 {
		cfg.BusBuffer = defaultBusBuffer
	}
	if cfg.DeltaHistory <= 0 {
		cfg.DeltaHistory = defaultDeltaHistory
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		settings:     cfg.Settings,
		snapshots:    cfg.Snapshots,
		capacity:     cfg.Capacity,
		userID:       cfg.UserID,
		abandonEvery: cfg.AbandonEvery,
		now:          cfg.Now,
		logger:       cfg.Logger,
		bus:          bus.New(cfg.BusBuffer, cfg.Logger),
		feed:         bus.NewDeltaFeed(cfg.DeltaHistory, cfg.Logger),
		results:      make(chan rpcResult, resultBuffer),
		stopped:      make(chan struct{}),
		stateKick:    make(chan struct{}, 1),
		queueKick:    make(chan struct{}, 1),
		throttle:     newThrottle(cfg.CallBurst, cfg.CallsPerMinute, cfg.Now),
	}
	e.outbox = outbox.New(outbox.Config{
		AbandonAfter: cfg.AbandonAfter,
		Now:          cfg.Now,
		NewID:        cfg.NewID,
		Logger:       cfg.Logger,
	})
	e.session = session.New(session.Config{
		Transport:       cfg.Transport,
		Bus:             e.bus,
		Settings:        cfg.Settings,
		RPCTimeout:      cfg.RPCTimeout,
		MaxCallFailures: cfg.MaxCallFailures,
		FlushEvery:      cfg.FlushEvery,
		Backoff:         cfg.Backoff,
		OnState:         e.observeState,
		Logger:          cfg.Logger.With("component", "session"),
	})
	e.state.Store(cache.New(cfg.Capacity))
	return e
}

// Restore loads the persisted cache snapshot, if any, and resumes the
// stream cursor from it. Only an unreadable settings store is an error; a
// damaged snapshot is logged and the engine starts empty.
func (e *Engine) Restore(ctx context.Context) error {
	if e.settings != nil {
		stored, ok, err := e.settings.Get(ctx, domain.SettingWindowSize)
		if err != nil {
			return fmt.Errorf("read settings: %w", err)
		}
		if ok && stored != strconv.Itoa(e.capacity) {
			e.logger.Info("window size changed", "stored", stored, "configured", e.capacity)
		}
		if err := e.settings.Set(ctx, domain.SettingWindowSize, strconv.Itoa(e.capacity)); err != nil {
			return fmt.Errorf("write settings: %w", err)
		}
	}
	if e.snapshots == nil {
		return nil
	}

	cursor, data, ok, err := e.snapshots.LoadSnapshot(ctx)
	if err != nil {
		e.logger.Warn("discarding unreadable snapshot", "err", err)
		return nil
	}
	if !ok {
		return nil
	}
	dump, err := store.DecodeSnapshot(data)
	if err != nil {
		e.logger.Warn("discarding undecodable snapshot", "err", err)
		return nil
	}
	dump.Cursor = cursor
	st := cache.FromDump(dump, e.capacity)
	e.state.Store(st)
	e.session.Advance(st.Cursor())
	metrics.CacheVersion.Set(int64(st.Version()))
	e.logger.Info("cache restored", "cursor", uint64(st.Cursor()), "guilds", len(st.Guilds()))
	return nil
}

// SaveSnapshot persists the current cache.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	st := e.state.Load()
	data, err := store.EncodeSnapshot(st.Export())
	if err != nil {
		return err
	}
	if err := e.snapshots.SaveSnapshot(ctx, st.Cursor(), data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	e.logger.Debug("snapshot saved", "cursor", uint64(st.Cursor()), "bytes", len(data))
	return nil
}

// Login verifies the credentials by connecting and stores them once the
// server accepts them. A rejected token is removed from the settings.
func (e *Engine) Login(ctx context.Context, endpoint, token string) error {
	err := e.session.Connect(ctx, endpoint, token)
	if err != nil {
		if domain.IsAuthError(err) {
			e.forgetToken(ctx)
		}
		return err
	}
	if e.settings == nil {
		return nil
	}
	if err := e.settings.Set(ctx, domain.SettingEndpoint, endpoint); err != nil {
		return fmt.Errorf("store endpoint: %w", err)
	}
	if err := e.settings.Set(ctx, domain.SettingToken, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// Resume connects with the stored credentials. fallbackEndpoint and
// fallbackToken are used when nothing is stored.
func (e *Engine) Resume(ctx context.Context, fallbackEndpoint, fallbackToken string) error {
	endpoint, token := fallbackEndpoint, fallbackToken
	if e.settings != nil {
		if v, ok, err := e.settings.Get(ctx, domain.SettingEndpoint); err != nil {
			return fmt.Errorf("read settings: %w", err)
		} else if ok && v != "" {
			endpoint = v
		}
		if v, ok, err := e.settings.Get(ctx, domain.SettingToken); err != nil {
			return fmt.Errorf("read settings: %w", err)
		} else if ok && v != "" {
			token = v
		}
	}
	err := e.session.Connect(ctx, endpoint, token)
	if domain.IsAuthError(err) {
		e.forgetToken(ctx)
	}
	return err
}

// Logout disconnects and forgets the stored token. The cache is kept.
func (e *Engine) Logout(ctx context.Context) error {
	e.session.Disconnect()
	if e.settings == nil {
		return nil
	}
	if err := e.settings.Delete(ctx, domain.SettingToken); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Disconnect closes the session. It always succeeds.
func (e *Engine) Disconnect() {
	e.session.Disconnect()
}

func (e *Engine) forgetToken(ctx context.Context) {
	if e.settings == nil {
		return
	}
	if err := e.settings.Delete(ctx, domain.SettingToken); err != nil {
		e.logger.Warn("failed to clear rejected token", "err", err)
	}
}

// Snapshot returns the current immutable cache.
func (e *Engine) Snapshot() *cache.State {
	return e.state.Load()
}

// Subscribe returns a channel of deltas. A subscriber that falls behind
// misses deltas and should re-read Snapshot when Version jumps.
func (e *Engine) Subscribe(buffer int) (<-chan domain.Delta, func()) {
	return e.feed.Subscribe(buffer)
}

// Replay returns retained deltas newer than version.
func (e *Engine) Replay(version uint64) ([]domain.Delta, bool) {
	return e.feed.Replay(version)
}

// OnDelta registers a synchronous delta callback; see bus.DeltaHandler.
func (e *Engine) OnDelta(h bus.DeltaHandler) string {
	return e.feed.On(h)
}

func (e *Engine) SessionState() session.State {
	return e.session.State()
}

func (e *Engine) Cursor() domain.Cursor {
	return e.session.Cursor()
}

// Outbox lists outstanding actions in submission order.
func (e *Engine) Outbox() []outbox.Entry {
	return e.outbox.Entries()
}

// Submit hands an action to the engine and waits only for it to be
// recorded (and, for sends, inserted as Pending). The RPC runs later.
func (e *Engine) Submit(ctx context.Context, action domain.Action) (string, error) {
	if action == nil {
		return "", errors.New("nil action")
	}
	return e.command(ctx, domain.Command{Action: action})
}

// Resend retries a Failed action under its original correlation id.
func (e *Engine) Resend(ctx context.Context, correlationID string) error {
	_, err := e.command(ctx, domain.Command{Resend: correlationID})
	return err
}

// FetchHistory asks the server for messages older than before.
func (e *Engine) FetchHistory(ctx context.Context, guildID, channelID, before string, limit int) (string, error) {
	return e.Submit(ctx, domain.FetchHistory{GuildID: guildID, ChannelID: channelID, Before: before, Limit: limit})
}

// FetchProfile asks the server for a user's profile and merges it into the
// cache when the reply arrives.
func (e *Engine) FetchProfile(ctx context.Context, userID string) (string, error) {
	return e.Submit(ctx, domain.FetchProfile{UserID: userID})
}

func (e *Engine) command(ctx context.Context, cmd domain.Command) (string, error) {
	cmd.Reply = make(chan domain.CommandResult, 1)
	if err := e.bus.Submit(ctx, cmd); err != nil {
		return "", err
	}
	select {
	case res := <-cmd.Reply:
		return res.CorrelationID, res.Err
	case <-e.stopped:
		return "", domain.ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run is the engine goroutine. It returns when ctx is cancelled, after
// disconnecting and saving a snapshot.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	e.logger.Info("engine started", "capacity", e.capacity, "cursor", uint64(e.Snapshot().Cursor()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.dispatchLoop(runCtx)

	ticker := time.NewTicker(e.abandonEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case ev := <-e.bus.Events():
			e.handleEvent(ev)
		case cmd := <-e.bus.Commands():
			e.handleCommand(cmd)
		case res := <-e.results:
			e.handleResult(res)
		case <-e.stateKick:
			for _, sc := range e.takeStates() {
				e.handleState(sc)
			}
		case <-ticker.C:
			e.abandonStale()
		}
	}
}

func (e *Engine) shutdown() {
	e.logger.Info("engine stopping")
	e.session.Disconnect()
	close(e.stopped)
	e.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.SaveSnapshot(ctx); err != nil {
		e.logger.Warn("failed to save snapshot", "err", err)
	}
}

// commit publishes a new state and its delta.
func (e *Engine) commit(next *cache.State, d domain.Delta) {
	e.state.Store(next)
	metrics.CacheVersion.Set(int64(next.Version()))
	metrics.OutboxEntries.Set(int64(e.outbox.Len()))
	e.feed.Emit(d)
}

// emptyDelta describes the current state with no changes yet.
func (e *Engine) emptyDelta() domain.Delta {
	st := e.state.Load()
	return domain.Delta{Version: st.Version(), Cursor: st.Cursor()}
}

func (e *Engine) handleEvent(ev domain.Event) {
	cur := e.state.Load()
	if ev.Cursor <= cur.Cursor() {
		metrics.EventsDeduplicated.Inc()
		return
	}
	next, d := reducer.Apply(cur, ev)
	metrics.EventsApplied.Inc()
	for _, w := range d.Warnings {
		metrics.ConsistencyWarnings.Inc()
		e.logger.Warn("consistency warning", "err", w, "cursor", uint64(ev.Cursor))
	}
	if sent, ok := ev.Body.(domain.MessageSent); ok {
		e.confirmSent(sent.Message, &d)
	}
	e.commit(next, d)
	e.session.Advance(next.Cursor())
}

// confirmSent retires the outbox entry a MessageSent event answers, matched
// by correlation id or by the server id from an earlier ack.
func (e *Engine) confirmSent(m domain.Message, d *domain.Delta) {
	var (
		entry outbox.Entry
		ok    bool
	)
	if m.CorrelationID != "" {
		entry, ok = e.outbox.Confirm(m.CorrelationID)
	}
	if !ok {
		entry, ok = e.outbox.ConfirmServerID(m.ID)
	}
	if !ok {
		return
	}
	d.Add(completed(entry, m.ID))
}

func completed(entry outbox.Entry, serverID string) domain.Change {
	return domain.Change{
		Op: domain.OpCompleted, Entity: domain.EntityAction,
		ChannelID: entry.ChannelID, ID: serverID,
		CorrelationID: entry.CorrelationID, Detail: string(entry.Action.ActionKind()),
	}
}

func failed(entry outbox.Entry) domain.Change {
	return domain.Change{
		Op: domain.OpFailed, Entity: domain.EntityAction,
		ChannelID: entry.ChannelID, ID: entry.MessageID,
		CorrelationID: entry.CorrelationID, Detail: entry.LastError,
	}
}

func (e *Engine) handleCommand(cmd domain.Command) {
	var res domain.CommandResult
	if cmd.Resend != "" {
		res = e.resend(cmd.Resend)
	} else {
		res = e.submit(cmd.Action)
	}
	if cmd.Reply != nil {
		cmd.Reply <- res
	}
	if res.Err == nil && e.session.State() == session.Streaming {
		e.flushQueue()
	}
}

func (e *Engine) submit(action domain.Action) domain.CommandResult {
	if err := validate(action); err != nil {
		return domain.CommandResult{Err: err}
	}
	corr := e.outbox.NewCorrelationID()

	if send, ok := action.(domain.SendMessage); ok {
		msg := domain.Message{
			ID:            localIDPrefix + corr,
			ChannelID:     send.ChannelID,
			GuildID:       send.GuildID,
			AuthorID:      e.userID,
			Content:       send.Content,
			Attachments:   send.Attachments,
			Timestamp:     e.now().UTC(),
			CorrelationID: corr,
		}
		next, d, err := reducer.Stage(e.state.Load(), msg)
		if err != nil {
			return domain.CommandResult{Err: err}
		}
		if _, err := e.outbox.Add(corr, action, msg.ID); err != nil {
			return domain.CommandResult{Err: err}
		}
		e.commit(next, d)
	} else {
		if _, err := e.outbox.Add(corr, action, ""); err != nil {
			return domain.CommandResult{Err: err}
		}
		metrics.OutboxEntries.Set(int64(e.outbox.Len()))
	}
	metrics.ActionsSubmitted.Inc()
	e.logger.Debug("action submitted", "correlation_id", corr, "action", action.ActionKind())
	return domain.CommandResult{CorrelationID: corr}
}

func validate(action domain.Action) error {
	switch a := action.(type) {
	case nil:
		return errors.New("nil action")
	case domain.SendMessage:
		if a.ChannelID == "" {
			return errors.New("send: channel id is required")
		}
		if a.Content == "" && len(a.Attachments) == 0 {
			return errors.New("send: message is empty")
		}
	case domain.EditMessage:
		if a.ChannelID == "" || a.MessageID == "" {
			return errors.New("edit: channel and message id are required")
		}
	case domain.DeleteMessage:
		if a.ChannelID == "" || a.MessageID == "" {
			return errors.New("delete: channel and message id are required")
		}
	case domain.JoinGuild:
		if a.Invite == "" {
			return errors.New("join: invite is required")
		}
	case domain.LeaveGuild:
		if a.GuildID == "" {
			return errors.New("leave: guild id is required")
		}
	case domain.CreateChannel:
		if a.GuildID == "" || a.Name == "" {
			return errors.New("create channel: guild id and name are required")
		}
	case domain.FetchHistory:
		if a.ChannelID == "" {
			return errors.New("history: channel id is required")
		}
	case domain.FetchProfile:
		if a.UserID == "" {
			return errors.New("profile: user id is required")
		}
	}
	return nil
}

func (e *Engine) resend(correlationID string) domain.CommandResult {
	entry, err := e.outbox.Resend(correlationID)
	if err != nil {
		return domain.CommandResult{CorrelationID: correlationID, Err: err}
	}
	if entry.Optimistic() {
		next, d := reducer.MarkPending(e.state.Load(), entry.ChannelID, correlationID)
		e.commit(next, d)
	}
	e.logger.Info("resending action", "correlation_id", correlationID, "attempts", entry.Attempts)
	return domain.CommandResult{CorrelationID: correlationID}
}

func (e *Engine) handleResult(r rpcResult) {
	corr := r.entry.CorrelationID
	if r.err != nil {
		if errors.Is(r.err, domain.ErrNotConnected) {
			// Never reached the server; wait for the next streaming session.
			if _, ok := e.outbox.Requeue(corr); ok && e.session.State() == session.Streaming {
				e.flushQueue()
			}
			return
		}
		entry, ok := e.outbox.Fail(corr, r.err)
		if !ok {
			return
		}
		metrics.ActionsFailed.Inc()
		e.logger.Warn("action failed", "correlation_id", corr, "action", entry.Action.ActionKind(), "err", r.err)
		d := e.emptyDelta()
		next := e.state.Load()
		if entry.Optimistic() {
			next, d = reducer.MarkFailed(next, entry.ChannelID, corr, r.err.Error())
		}
		d.Add(failed(entry))
		e.commit(next, d)
		return
	}

	entry, done, ok := e.outbox.Ack(corr, r.ack.ServerID)
	if !ok {
		// The confirming event got here first.
		return
	}
	if entry.Optimistic() {
		st, d1 := reducer.MarkPending(e.state.Load(), entry.ChannelID, corr)
		st, d2 := reducer.AdoptServerID(st, entry.ChannelID, corr, r.ack.ServerID)
		d := mergeDeltas(d1, d2)
		if m, found := st.Message(entry.ChannelID, r.ack.ServerID); found && !m.Unconfirmed() {
			// The event arrived without a correlation id before the ack.
			if _, ok := e.outbox.Confirm(corr); ok {
				d.Add(completed(entry, r.ack.ServerID))
			}
		}
		e.commit(st, d)
		return
	}
	if !done {
		return
	}

	next, d := e.state.Load(), e.emptyDelta()
	switch a := entry.Action.(type) {
	case domain.FetchHistory:
		next, d = reducer.MergeHistory(next, a.ChannelID, r.ack.Messages)
	case domain.FetchProfile:
		if r.ack.Profile != nil {
			next, d = reducer.MergeProfile(next, *r.ack.Profile)
		}
	}
	d.Add(completed(entry, r.ack.ServerID))
	e.commit(next, d)
}

func mergeDeltas(a, b domain.Delta) domain.Delta {
	out := b
	out.Changes = append(append([]domain.Change(nil), a.Changes...), b.Changes...)
	out.Warnings = append(append([]domain.ConsistencyWarning(nil), a.Warnings...), b.Warnings...)
	return out
}

func (e *Engine) abandonStale() {
	entries := e.outbox.Abandon()
	if len(entries) == 0 {
		return
	}
	next, d := e.state.Load(), e.emptyDelta()
	for _, entry := range entries {
		metrics.ActionsFailed.Inc()
		if entry.Optimistic() {
			var md domain.Delta
			next, md = reducer.MarkFailed(next, entry.ChannelID, entry.CorrelationID, entry.LastError)
			d = mergeDeltas(d, md)
		}
		d.Add(failed(entry))
	}
	e.commit(next, d)
}

// observeState runs on session goroutines and must not block: the engine
// may itself be waiting on the session.
func (e *Engine) observeState(s session.State, err error) {
	e.stateMu.Lock()
	e.states = append(e.states, stateChange{state: s, err: err})
	e.stateMu.Unlock()
	select {
	case e.stateKick <- struct{}{}:
	default:
	}
}

func (e *Engine) takeStates() []stateChange {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	out := e.states
	e.states = nil
	return out
}

func (e *Engine) handleState(sc stateChange) {
	d := e.emptyDelta()
	c := domain.Change{Op: domain.OpUpdated, Entity: domain.EntitySession, ID: sc.state.String()}
	if sc.err != nil {
		c.Detail = sc.err.Error()
	}
	d.Add(c)
	e.feed.Emit(d)

	switch sc.state {
	case session.Streaming:
		e.flushQueue()
	case session.Disconnected:
		if domain.IsAuthError(sc.err) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.forgetToken(ctx)
			cancel()
		}
	}
}

// flushQueue hands every Queued entry to the dispatcher.
func (e *Engine) flushQueue() {
	entries := e.outbox.TakeQueued()
	if len(entries) == 0 {
		return
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, entries...)
	e.queueMu.Unlock()
	select {
	case e.queueKick <- struct{}{}:
	default:
	}
}

func (e *Engine) popQueue() (outbox.Entry, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return outbox.Entry{}, false
	}
	entry := e.queue[0]
	e.queue = e.queue[1:]
	return entry, true
}

// dispatchLoop issues RPCs one at a time so the server sees actions in
// submission order.
func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.queueKick:
		}
		for {
			entry, ok := e.popQueue()
			if !ok {
				break
			}
			if err := e.throttle.wait(ctx); err != nil {
				return
			}
			ack, err := e.session.Call(ctx, domain.Request{CorrelationID: entry.CorrelationID, Action: entry.Action})
			select {
			case e.results <- rpcResult{entry: entry, ack: ack, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}
