package outbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"guildsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestOutbox(clock *fakeClock) *Outbox {
	n := 0
	return New(Config{
		AbandonAfter: time.Minute,
		Now:          clock.Now,
		NewID:        func() string { n++; return fmt.Sprintf("corr-%d", n) },
		Logger:       testLogger(),
	})
}

func send(ch string) domain.Action {
	return domain.SendMessage{GuildID: "g1", ChannelID: ch, Content: "hi"}
}

func TestOutbox_AddRefusesDuplicateCorrelationID(t *testing.T) {
	o := newTestOutbox(&fakeClock{t: time.Unix(0, 0)})
	if _, err := o.Add("a", send("c1"), "m1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	o.TakeQueued()

	_, err := o.Add("a", domain.JoinGuild{Invite: "x"}, "")
	if !errors.Is(err, domain.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
	entries := o.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	if e := entries[0]; e.MessageID != "m1" || e.Status != InFlight {
		t.Errorf("first entry was replaced: %+v", e)
	}
}

func TestOutbox_ConfirmIsIdempotent(t *testing.T) {
	o := newTestOutbox(&fakeClock{t: time.Unix(0, 0)})
	id := o.NewCorrelationID()
	o.Add(id, send("c1"), "local-1")

	if _, ok := o.Confirm(id); !ok {
		t.Fatal("first confirm should remove the entry")
	}
	if _, ok := o.Confirm(id); ok {
		t.Error("second confirm should be a no-op")
	}
	if o.Len() != 0 {
		t.Errorf("expected empty outbox, got %d", o.Len())
	}
}

func TestOutbox_TakeQueuedOnce(t *testing.T) {
	o := newTestOutbox(&fakeClock{t: time.Unix(0, 0)})
	o.Add("a", send("c1"), "m-a")
	o.Add("b", domain.JoinGuild{Invite: "x"}, "")

	first := o.TakeQueued()
	if len(first) != 2 || first[0].CorrelationID != "a" || first[1].CorrelationID != "b" {
		t.Fatalf("unexpected dispatch order: %+v", first)
	}
	if first[0].Attempts != 1 || first[0].Status != InFlight {
		t.Errorf("entry not marked in flight: %+v", first[0])
	}
	if again := o.TakeQueued(); len(again) != 0 {
		t.Errorf("entries dispatched twice: %+v", again)
	}
}

func TestOutbox_AckKeepsOptimisticEntries(t *testing.T) {
	o := newTestOutbox(&fakeClock{t: time.Unix(0, 0)})
	o.Add("send", send("c1"), "m1")
	o.Add("join", domain.JoinGuild{Invite: "x"}, "")
	o.TakeQueued()

	e, done, ok := o.Ack("send", "srv-1")
	if !ok || done {
		t.Fatalf("send should wait for its event: done=%v ok=%v", done, ok)
	}
	if e.ServerID != "srv-1" {
		t.Errorf("server id not recorded: %+v", e)
	}
	if _, done, _ := o.Ack("join", ""); !done {
		t.Error("join should complete on ack")
	}

	if _, ok := o.ConfirmServerID("srv-1"); !ok {
		t.Error("confirm by server id failed")
	}
	if o.Len() != 0 {
		t.Errorf("expected empty outbox, got %+v", o.Entries())
	}
}

func TestOutbox_FailAndResend(t *testing.T) {
	o := newTestOutbox(&fakeClock{t: time.Unix(0, 0)})
	o.Add("a", send("c1"), "m1")
	o.TakeQueued()

	if _, err := o.Resend("a"); !errors.Is(err, domain.ErrNotResendable) {
		t.Errorf("in-flight entry should not be resendable, got %v", err)
	}

	e, ok := o.Fail("a", errors.New("boom"))
	if !ok || e.Status != Failed || e.LastError != "boom" {
		t.Fatalf("unexpected failed entry %+v", e)
	}
	if again := o.TakeQueued(); len(again) != 0 {
		t.Fatal("failed entries must not be retried silently")
	}

	if _, err := o.Resend("a"); err != nil {
		t.Fatal(err)
	}
	redo := o.TakeQueued()
	if len(redo) != 1 || redo[0].CorrelationID != "a" || redo[0].Attempts != 2 {
		t.Errorf("resend should reuse the id: %+v", redo)
	}

	if _, err := o.Resend("missing"); !errors.Is(err, domain.ErrUnknownEntry) {
		t.Errorf("expected ErrUnknownEntry, got %v", err)
	}
}

func TestOutbox_FailAfterConfirmIsIgnored(t *testing.T) {
	o := newTestOutbox(&fakeClock{t: time.Unix(0, 0)})
	o.Add("a", send("c1"), "m1")
	o.Confirm("a")
	if _, ok := o.Fail("a", errors.New("late")); ok {
		t.Error("fail after confirm should report missing entry")
	}
}

func TestOutbox_Abandon(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	o := newTestOutbox(clock)
	o.Add("old", send("c1"), "m1")
	clock.Advance(30 * time.Second)
	o.Add("young", send("c1"), "m2")
	o.Add("gone", send("c1"), "m3")
	o.Fail("gone", errors.New("x"))

	clock.Advance(31 * time.Second)
	abandoned := o.Abandon()
	if len(abandoned) != 1 || abandoned[0].CorrelationID != "old" {
		t.Fatalf("expected only old to be abandoned, got %+v", abandoned)
	}
	if e, _ := o.Get("old"); e.Status != Failed {
		t.Errorf("abandoned entry should be failed, got %s", e.Status)
	}
	if again := o.Abandon(); len(again) != 0 {
		t.Errorf("abandon should not repeat: %+v", again)
	}
}
