package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"guildsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func seededLoopback() *Loopback {
	l := NewLoopback(LoopbackConfig{Logger: testLogger()})
	l.AddUser("secret", "alice")
	l.Emit(domain.GuildUpdated{GuildID: "g1", Name: domain.Ptr("Gophers")})
	l.Emit(domain.ChannelUpdated{GuildID: "g1", ChannelID: "c1", Name: domain.Ptr("general")})
	return l
}

func next(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestLoopback_SubscribeReplaysAfterCursor(t *testing.T) {
	l := seededLoopback()
	ctx := context.Background()

	conn, err := l.Dial(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := conn.Authenticate(ctx, "secret"); err != nil {
		t.Fatal(err)
	}
	events, err := conn.Subscribe(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ev := next(t, events); ev.Cursor != 2 || ev.Kind() != domain.KindChannelUpdated {
		t.Errorf("expected channel.updated@2, got %v", ev)
	}

	l.Emit(domain.TypingStarted{GuildID: "g1", ChannelID: "c1", UserID: "bob"})
	if ev := next(t, events); ev.Cursor != 3 {
		t.Errorf("expected live event at 3, got %v", ev)
	}
}

func TestLoopback_RejectsBadToken(t *testing.T) {
	l := seededLoopback()
	conn, _ := l.Dial(context.Background(), "")
	err := conn.Authenticate(context.Background(), "wrong")
	if !domain.IsAuthError(err) {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestLoopback_SendEchoesCorrelation(t *testing.T) {
	l := seededLoopback()
	ctx := context.Background()
	conn, _ := l.Dial(ctx, "")
	conn.Authenticate(ctx, "secret")
	events, _ := conn.Subscribe(ctx, l.Cursor())

	ack, err := conn.Call(ctx, domain.Request{CorrelationID: "corr-1", Action: domain.SendMessage{GuildID: "g1", ChannelID: "c1", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	ev := next(t, events)
	sent, ok := ev.Body.(domain.MessageSent)
	if !ok || sent.Message.ID != ack.ServerID || sent.Message.CorrelationID != "corr-1" || sent.Message.AuthorID != "alice" {
		t.Errorf("unexpected echo %+v for ack %+v", ev, ack)
	}

	_, err = conn.Call(ctx, domain.Request{CorrelationID: "corr-2", Action: domain.SendMessage{ChannelID: "nope"}})
	var re *domain.RemoteError
	if !errors.As(err, &re) {
		t.Errorf("expected RemoteError for unknown channel, got %v", err)
	}
}

func TestLoopback_DropEndsStream(t *testing.T) {
	l := seededLoopback()
	ctx := context.Background()
	conn, _ := l.Dial(ctx, "")
	conn.Authenticate(ctx, "secret")
	events, _ := conn.Subscribe(ctx, l.Cursor())

	l.DropAll("maintenance")
	ev := next(t, events)
	if d, ok := ev.Body.(domain.ConnectionDropped); !ok || d.Reason != "maintenance" {
		t.Fatalf("expected drop, got %v", ev)
	}
	if _, ok := <-events; ok {
		t.Error("stream should be closed after drop")
	}
	if _, err := conn.Call(ctx, domain.Request{Action: domain.JoinGuild{Invite: "x"}}); !domain.IsNetworkError(err) {
		t.Errorf("call on dropped conn should be a network error, got %v", err)
	}
}

func TestLoopback_FailDials(t *testing.T) {
	l := seededLoopback()
	l.FailDials(1)
	if _, err := l.Dial(context.Background(), ""); !domain.IsNetworkError(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if _, err := l.Dial(context.Background(), ""); err != nil {
		t.Errorf("second dial should succeed: %v", err)
	}
}

func TestLoopback_History(t *testing.T) {
	l := seededLoopback()
	ctx := context.Background()
	conn, _ := l.Dial(ctx, "")
	conn.Authenticate(ctx, "secret")

	var ids []string
	for range 5 {
		ack, err := conn.Call(ctx, domain.Request{Action: domain.SendMessage{GuildID: "g1", ChannelID: "c1", Content: "x"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ack.ServerID)
	}
	conn.Call(ctx, domain.Request{Action: domain.DeleteMessage{ChannelID: "c1", MessageID: ids[1]}})

	ack, err := conn.Call(ctx, domain.Request{Action: domain.FetchHistory{ChannelID: "c1", Before: ids[3], Limit: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.Messages) != 2 || ack.Messages[0].ID != ids[1] || ack.Messages[1].ID != ids[2] {
		t.Fatalf("unexpected page %+v", ack.Messages)
	}
	if !ack.Messages[0].Deleted {
		t.Error("deleted message should come back as a tombstone")
	}
	if ack.Messages[1].CorrelationID != "" {
		t.Error("history should not carry echo ids")
	}
}

func TestLoopback_FetchProfile(t *testing.T) {
	l := seededLoopback()
	ctx := context.Background()
	conn, _ := l.Dial(ctx, "")
	conn.Authenticate(ctx, "secret")

	ack, err := conn.Call(ctx, domain.Request{Action: domain.FetchProfile{UserID: "alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if ack.Profile == nil || ack.Profile.Username != "alice" || ack.Profile.Status != domain.StatusOffline {
		t.Fatalf("default profile: %+v", ack.Profile)
	}

	st := domain.StatusOnline
	l.Emit(domain.ProfileUpdated{UserID: "alice", Username: domain.Ptr("Alice"), Status: &st, Avatar: &domain.AttachmentRef{ID: "av-a"}})
	l.Emit(domain.ProfileUpdated{UserID: "alice", Avatar: &domain.AttachmentRef{}})
	ack, err = conn.Call(ctx, domain.Request{Action: domain.FetchProfile{UserID: "alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if p := ack.Profile; p.Username != "Alice" || p.Status != domain.StatusOnline || p.Avatar != nil {
		t.Fatalf("updates not folded: %+v", p)
	}

	_, err = conn.Call(ctx, domain.Request{Action: domain.FetchProfile{UserID: "ghost"}})
	var re *domain.RemoteError
	if !errors.As(err, &re) || re.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}
