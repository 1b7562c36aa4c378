package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"guildsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func delta(v uint64) domain.Delta {
	return domain.Delta{Version: v, Changes: []domain.Change{{Op: domain.OpAdded, Entity: domain.EntityMessage, ID: "m"}}}
}

func TestDeltaFeed_OnAndOff(t *testing.T) {
	f := NewDeltaFeed(10, testLogger())

	var count int32
	id := f.On(func(domain.Delta) { atomic.AddInt32(&count, 1) })
	f.Emit(delta(1))
	f.Off(id)
	f.Emit(delta(2))

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestDeltaFeed_SkipsEmpty(t *testing.T) {
	f := NewDeltaFeed(10, testLogger())
	f.Emit(domain.Delta{Version: 3})
	if f.HistoryLen() != 0 {
		t.Error("empty delta should not be recorded")
	}
}

func TestDeltaFeed_HandlerPanicIsContained(t *testing.T) {
	f := NewDeltaFeed(10, testLogger())
	var after int32
	f.On(func(domain.Delta) { panic("boom") })
	f.On(func(domain.Delta) { atomic.AddInt32(&after, 1) })
	f.Emit(delta(1))
	if atomic.LoadInt32(&after) != 1 {
		t.Error("second handler should still run")
	}
}

func TestDeltaFeed_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	f := NewDeltaFeed(10, testLogger())
	ch, cancel := f.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for v := uint64(1); v <= 5; v++ {
			f.Emit(delta(v))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}

	got := <-ch
	if got.Version != 1 {
		t.Errorf("expected the first delta to be buffered, got %d", got.Version)
	}
	f.Emit(delta(6))
	if got := <-ch; got.Version != 6 {
		t.Errorf("expected version gap to 6, got %d", got.Version)
	}
}

func TestDeltaFeed_CancelClosesChannel(t *testing.T) {
	f := NewDeltaFeed(10, testLogger())
	ch, cancel := f.Subscribe(4)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	f.Emit(delta(1))
}

func TestDeltaFeed_Replay(t *testing.T) {
	f := NewDeltaFeed(3, testLogger())
	for v := uint64(1); v <= 5; v++ {
		f.Emit(delta(v))
	}

	got, ok := f.Replay(3)
	if !ok || len(got) != 2 || got[0].Version != 4 {
		t.Errorf("unexpected replay %+v ok=%v", got, ok)
	}
	if _, ok := f.Replay(0); ok {
		t.Error("history starting at 3 cannot serve a replay from 0")
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	if err := b.Publish(context.Background(), domain.Event{Cursor: 1}); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := b.Submit(context.Background(), domain.Command{}); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestInMemoryBus_PublishWaitsWhenFull(t *testing.T) {
	b := New(1, testLogger())
	ctx := context.Background()
	if err := b.Publish(ctx, domain.Event{Cursor: 1}); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- b.Publish(ctx, domain.Event{Cursor: 2}) }()

	select {
	case <-errc:
		t.Fatal("publish should wait while the bus is full")
	case <-time.After(50 * time.Millisecond):
	}
	if ev := <-b.Events(); ev.Cursor != 1 {
		t.Fatalf("unexpected event %v", ev)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if ev := <-b.Events(); ev.Cursor != 2 {
		t.Errorf("events reordered: %v", ev)
	}
}

func TestInMemoryBus_PublishHonoursContext(t *testing.T) {
	b := New(1, testLogger())
	b.Publish(context.Background(), domain.Event{Cursor: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, domain.Event{Cursor: 2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
