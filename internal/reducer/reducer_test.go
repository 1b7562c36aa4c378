package reducer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"guildsync/internal/cache"
	"guildsync/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T, capacity int) *cache.State {
	t.Helper()
	s := cache.New(capacity)
	s, _ = Apply(s, domain.Event{Cursor: 1, Body: domain.GuildUpdated{GuildID: "g1", Name: domain.Ptr("Gophers")}})
	s, _ = Apply(s, domain.Event{Cursor: 2, Body: domain.ChannelUpdated{GuildID: "g1", ChannelID: "c1", Name: domain.Ptr("general")}})
	return s
}

func sent(cursor domain.Cursor, id, content, corr string) domain.Event {
	return domain.Event{Cursor: cursor, Body: domain.MessageSent{Message: domain.Message{
		ID: id, ChannelID: "c1", AuthorID: "u1", Content: content,
		Timestamp: t0.Add(time.Duration(cursor) * time.Second), CorrelationID: corr,
	}}}
}

func TestApply_IdempotentOnSameCursor(t *testing.T) {
	s := seeded(t, 10)
	ev := sent(3, "m1", "hello", "")

	once, d1 := Apply(s, ev)
	twice, d2 := Apply(once, ev)

	if twice != once {
		t.Fatal("second application should return the same state")
	}
	if len(d1.Changes) == 0 {
		t.Fatal("first application should produce changes")
	}
	if !d2.Empty() {
		t.Errorf("second application should produce empty delta, got %+v", d2)
	}
	if n := once.MessageCount("c1"); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
}

func TestApply_DropsEventsBelowCursor(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, sent(10, "m10", "ten", ""))
	late, d := Apply(s, sent(5, "m5", "five", ""))

	if late != s || !d.Empty() {
		t.Fatal("event below cursor should be a no-op")
	}
	if late.Cursor() != 10 {
		t.Errorf("cursor moved backwards: %d", late.Cursor())
	}
	if _, ok := late.Message("c1", "m5"); ok {
		t.Error("stale event was applied")
	}
}

func TestApply_CursorOnlyMovesForward(t *testing.T) {
	s := seeded(t, 10)
	prev := s.Cursor()
	for _, c := range []domain.Cursor{4, 3, 9, 7, 9, 12} {
		s, _ = Apply(s, sent(c, fmt.Sprintf("m%d", c), "x", ""))
		if s.Cursor() < prev {
			t.Fatalf("cursor decreased from %d to %d", prev, s.Cursor())
		}
		prev = s.Cursor()
	}
	if prev != 12 {
		t.Errorf("expected cursor 12, got %d", prev)
	}
	page, _ := s.ChannelMessages("c1", cache.Window{})
	var ids []string
	for _, m := range page.Messages {
		ids = append(ids, m.ID)
	}
	want := []string{"m4", "m9", "m12"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestApply_ConfirmsPendingByCorrelationID(t *testing.T) {
	s := seeded(t, 10)
	s, _, err := Stage(s, domain.Message{ID: "local-1", ChannelID: "c1", AuthorID: "me", Content: "hi", CorrelationID: "c-1"})
	if err != nil {
		t.Fatal(err)
	}
	s, d := Apply(s, sent(3, "srv-1", "hi", "c-1"))

	if n := s.MessageCount("c1"); n != 1 {
		t.Fatalf("expected exactly one message, got %d", n)
	}
	m, ok := s.Message("c1", "srv-1")
	if !ok {
		t.Fatal("confirmed message should carry server id")
	}
	if m.State != domain.SendConfirmed {
		t.Errorf("expected confirmed, got %s", m.State)
	}
	if _, ok := s.Message("c1", "local-1"); ok {
		t.Error("local id should be gone")
	}
	if len(d.Changes) == 0 || d.Changes[0].CorrelationID != "c-1" || d.Changes[0].Op != domain.OpUpdated {
		t.Errorf("unexpected delta: %+v", d.Changes)
	}
}

func TestApply_ConfirmsAfterServerIDAdopted(t *testing.T) {
	s := seeded(t, 10)
	s, _, _ = Stage(s, domain.Message{ID: "local-1", ChannelID: "c1", Content: "hi", CorrelationID: "c-1"})
	s, _ = AdoptServerID(s, "c1", "c-1", "srv-1")

	// The confirming event carries no correlation id, only the server id.
	s, _ = Apply(s, sent(3, "srv-1", "hi", ""))

	m, ok := s.Message("c1", "srv-1")
	if !ok || m.State != domain.SendConfirmed {
		t.Fatalf("expected confirmed srv-1, got %+v ok=%v", m, ok)
	}
	if m.CorrelationID != "c-1" {
		t.Errorf("correlation id lost: %q", m.CorrelationID)
	}
	if n := s.MessageCount("c1"); n != 1 {
		t.Errorf("expected one message, got %d", n)
	}
}

func TestAdoptServerID_FoldsIntoEarlierEvent(t *testing.T) {
	s := seeded(t, 10)
	s, _, _ = Stage(s, domain.Message{ID: "local-1", ChannelID: "c1", Content: "hi", CorrelationID: "c-1"})
	// The event arrives before the ack and carries only the server id.
	s, _ = Apply(s, sent(3, "srv-1", "hi (server)", ""))

	s, d := AdoptServerID(s, "c1", "c-1", "srv-1")

	if n := s.MessageCount("c1"); n != 1 {
		t.Fatalf("expected the pending copy to be folded away, got %d messages", n)
	}
	m, ok := s.Message("c1", "srv-1")
	if !ok || m.State != domain.SendConfirmed {
		t.Fatalf("expected confirmed srv-1, got %+v ok=%v", m, ok)
	}
	if m.CorrelationID != "c-1" || m.Content != "hi (server)" {
		t.Errorf("expected server copy with correlation id, got %+v", m)
	}
	if _, ok := s.Message("c1", "local-1"); ok {
		t.Error("local copy still present")
	}
	if len(d.Changes) != 2 || d.Changes[0].Op != domain.OpRemoved || d.Changes[0].ID != "local-1" {
		t.Errorf("unexpected changes %+v", d.Changes)
	}
}

func TestApply_DuplicateDeleteIsNoop(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, sent(3, "m1", "secret", ""))
	del := domain.MessageDeleted{GuildID: "g1", ChannelID: "c1", MessageID: "m1"}

	s, d1 := Apply(s, domain.Event{Cursor: 4, Body: del})
	after, d2 := Apply(s, domain.Event{Cursor: 5, Body: del})

	if len(d1.Changes) != 1 || d1.Changes[0].Op != domain.OpRemoved {
		t.Fatalf("first delete should remove, got %+v", d1.Changes)
	}
	if len(d2.Changes) != 0 || len(d2.Warnings) != 0 {
		t.Errorf("second delete should be silent, got %+v", d2)
	}
	m, _ := after.Message("c1", "m1")
	if !m.Deleted || m.Content != "" {
		t.Errorf("expected tombstone, got %+v", m)
	}
}

func TestApply_EditOfMissingMessageWarns(t *testing.T) {
	s := seeded(t, 10)
	next, d := Apply(s, domain.Event{Cursor: 3, Body: domain.MessageEdited{ChannelID: "c1", MessageID: "gone", Content: "x"}})

	if len(d.Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", d.Warnings)
	}
	if d.Warnings[0].ID != "gone" || d.Warnings[0].Event != domain.KindMessageEdited {
		t.Errorf("unexpected warning %+v", d.Warnings[0])
	}
	if next.Cursor() != 3 {
		t.Errorf("cursor should still advance, got %d", next.Cursor())
	}
}

func TestApply_EditUpdatesContent(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, sent(3, "m1", "helo", ""))
	s, _ = Apply(s, domain.Event{Cursor: 4, Body: domain.MessageEdited{ChannelID: "c1", MessageID: "m1", Content: "hello", EditedAt: t0}})

	m, _ := s.Message("c1", "m1")
	if m.Content != "hello" || !m.EditedAt.Equal(t0) {
		t.Errorf("edit not applied: %+v", m)
	}
}

func TestApply_MessageForUnknownChannelIsDropped(t *testing.T) {
	s := seeded(t, 10)
	ev := domain.Event{Cursor: 3, Body: domain.MessageSent{Message: domain.Message{ID: "m1", ChannelID: "nope"}}}
	next, d := Apply(s, ev)

	if len(d.Warnings) != 1 || d.Warnings[0].Entity != domain.EntityChannel {
		t.Fatalf("expected channel warning, got %+v", d.Warnings)
	}
	if _, err := next.ChannelMessages("nope", cache.Window{}); !errors.Is(err, domain.ErrUnknownChannel) {
		t.Errorf("dangling message created a channel: %v", err)
	}
}

func TestApply_UpdatesCreateUnknownEntities(t *testing.T) {
	s := cache.New(10)
	s, d := Apply(s, domain.Event{Cursor: 1, Body: domain.ChannelUpdated{GuildID: "g9", ChannelID: "c9", Name: domain.Ptr("news"), IsCategory: domain.Ptr(true)}})

	if _, ok := s.Guild("g9"); !ok {
		t.Fatal("guild should be created")
	}
	c, ok := s.Channel("c9")
	if !ok || c.Name != "news" || !c.IsCategory {
		t.Fatalf("channel not created correctly: %+v", c)
	}
	if len(d.Changes) != 2 {
		t.Errorf("expected guild+channel added, got %+v", d.Changes)
	}

	s, _ = Apply(s, domain.Event{Cursor: 2, Body: domain.MemberJoined{GuildID: "g10", UserID: "u1"}})
	if g, ok := s.Guild("g10"); !ok || !g.HasMember("u1") {
		t.Errorf("member join should create guild with member: %+v", g)
	}
}

func TestApply_GuildMergeKeepsUnsetFields(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, domain.Event{Cursor: 3, Body: domain.GuildUpdated{GuildID: "g1", Picture: domain.Ptr("hmc://x/pic")}})

	g, _ := s.Guild("g1")
	if g.Name != "Gophers" || g.Picture != "hmc://x/pic" {
		t.Errorf("merge lost fields: %+v", g)
	}
	if len(g.Channels) != 1 || g.Channels[0] != "c1" {
		t.Errorf("channel list lost: %v", g.Channels)
	}
}

func TestApply_MembersJoinAndLeave(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, domain.Event{Cursor: 3, Body: domain.MemberJoined{GuildID: "g1", UserID: "bob"}})
	s, _ = Apply(s, domain.Event{Cursor: 4, Body: domain.MemberJoined{GuildID: "g1", UserID: "alice"}})
	s, d := Apply(s, domain.Event{Cursor: 5, Body: domain.MemberJoined{GuildID: "g1", UserID: "bob"}})

	if len(d.Changes) != 0 {
		t.Errorf("rejoin should not change roster: %+v", d.Changes)
	}
	if got := fmt.Sprint(s.Members("g1")); got != "[alice bob]" {
		t.Errorf("expected sorted roster, got %s", got)
	}

	s, _ = Apply(s, domain.Event{Cursor: 6, Body: domain.MemberLeft{GuildID: "g1", UserID: "bob"}})
	if got := fmt.Sprint(s.Members("g1")); got != "[alice]" {
		t.Errorf("expected [alice], got %s", got)
	}
}

func TestApply_ProfileUpdatedMergesFields(t *testing.T) {
	s := seeded(t, 10)
	s, d := Apply(s, domain.Event{Cursor: 3, Body: domain.ProfileUpdated{
		UserID: "bob", Username: domain.Ptr("Bobby"),
		Avatar: &domain.AttachmentRef{ID: "av-1", Name: "bob.png"},
	}})
	if len(d.Changes) != 1 || d.Changes[0].Op != domain.OpAdded || d.Changes[0].Entity != domain.EntityProfile {
		t.Fatalf("expected profile added, got %+v", d.Changes)
	}

	st := domain.StatusDoNotDisturb
	s, d = Apply(s, domain.Event{Cursor: 4, Body: domain.ProfileUpdated{UserID: "bob", Status: &st}})
	if len(d.Changes) != 1 || d.Changes[0].Op != domain.OpUpdated {
		t.Fatalf("expected profile updated, got %+v", d.Changes)
	}
	p, _ := s.Profile("bob")
	if p.Username != "Bobby" || p.Status != domain.StatusDoNotDisturb || p.Avatar == nil || p.Avatar.ID != "av-1" {
		t.Fatalf("merge lost fields: %+v", p)
	}

	// An avatar without an id clears it.
	s, _ = Apply(s, domain.Event{Cursor: 5, Body: domain.ProfileUpdated{UserID: "bob", Avatar: &domain.AttachmentRef{}}})
	if p, _ := s.Profile("bob"); p.Avatar != nil || p.Username != "Bobby" {
		t.Fatalf("avatar should be cleared and the rest kept: %+v", p)
	}
	if s.DisplayName("bob") != "Bobby" || s.DisplayName("nobody") != "nobody" {
		t.Errorf("display names: %q %q", s.DisplayName("bob"), s.DisplayName("nobody"))
	}
	if s.Cursor() != 5 {
		t.Errorf("profile events advance the cursor, got %d", s.Cursor())
	}
}

func TestMergeProfile_KeepsCursor(t *testing.T) {
	s := seeded(t, 10)
	p := domain.Profile{UserID: "bob", Username: "Bobby", Status: domain.StatusOnline}

	next, d := MergeProfile(s, p)
	if len(d.Changes) != 1 || d.Changes[0].Op != domain.OpAdded || d.Changes[0].Detail != "fetched" {
		t.Fatalf("unexpected delta %+v", d)
	}
	if next.Cursor() != s.Cursor() {
		t.Errorf("cursor moved: %d -> %d", s.Cursor(), next.Cursor())
	}
	if got, ok := next.Profile("bob"); !ok || got.Username != "Bobby" {
		t.Fatalf("profile not stored: %+v", got)
	}

	again, d := MergeProfile(next, p)
	if again != next || len(d.Changes) != 0 {
		t.Errorf("an identical profile should be a no-op, got %+v", d)
	}
	if _, d := MergeProfile(next, domain.Profile{Username: "anon"}); len(d.Changes) != 0 {
		t.Errorf("a profile without a user id is ignored, got %+v", d)
	}
	if _, ok := s.Profile("bob"); ok {
		t.Error("the earlier state must not see the merge")
	}
}

func TestApply_GuildRemovalDropsChannelsAndMessages(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, sent(3, "m1", "x", ""))
	s, _ = Apply(s, domain.Event{Cursor: 4, Body: domain.GuildRemoved{GuildID: "g1"}})

	if len(s.Guilds()) != 0 {
		t.Error("guild should be gone")
	}
	if _, ok := s.Channel("c1"); ok {
		t.Error("channel should be gone with its guild")
	}
	if s.MessageCount("c1") != 0 {
		t.Error("messages should be gone with their channel")
	}
}

func TestApply_ChannelDeleted(t *testing.T) {
	s := seeded(t, 10)
	s, _ = Apply(s, domain.Event{Cursor: 3, Body: domain.ChannelDeleted{GuildID: "g1", ChannelID: "c1"}})

	g, _ := s.Guild("g1")
	if len(g.Channels) != 0 {
		t.Errorf("guild still lists channel: %v", g.Channels)
	}
	_, d := Apply(s, domain.Event{Cursor: 4, Body: domain.ChannelDeleted{GuildID: "g1", ChannelID: "c1"}})
	if len(d.Warnings) != 1 {
		t.Errorf("second delete should warn, got %+v", d)
	}
}

func TestApply_TypingIsTransient(t *testing.T) {
	s := seeded(t, 10)
	next, d := Apply(s, domain.Event{Cursor: 3, Body: domain.TypingStarted{GuildID: "g1", ChannelID: "c1", UserID: "bob"}})

	if len(d.Changes) != 1 || d.Changes[0].Op != domain.OpTransient {
		t.Fatalf("expected transient change, got %+v", d.Changes)
	}
	if next.Cursor() != 3 {
		t.Errorf("typing should still advance cursor")
	}
}

func TestApply_WindowBoundedAndPendingKept(t *testing.T) {
	s := seeded(t, 3)
	s, _, err := Stage(s, domain.Message{ID: "p1", ChannelID: "c1", CorrelationID: "corr-p1"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 3; i < 50; i++ {
		s, _ = Apply(s, sent(domain.Cursor(i), fmt.Sprintf("m%d", i), "x", ""))
		if n := s.MessageCount("c1"); n > 3 {
			t.Fatalf("window exceeded capacity: %d", n)
		}
	}
	if _, ok := s.Message("c1", "p1"); !ok {
		t.Fatal("pending message was evicted")
	}
	page, _ := s.ChannelMessages("c1", cache.Window{Limit: 10})
	if !page.NeedsRefetch {
		t.Error("page beyond retained window should need refetch")
	}
}

func TestStage_RefusesWhenWindowFullOfPending(t *testing.T) {
	s := seeded(t, 3)
	var err error
	for i := range 2 {
		s, _, err = Stage(s, domain.Message{ID: fmt.Sprintf("p%d", i), ChannelID: "c1", CorrelationID: fmt.Sprintf("c%d", i)})
		if err != nil {
			t.Fatal(err)
		}
	}
	_, _, err = Stage(s, domain.Message{ID: "p3", ChannelID: "c1", CorrelationID: "c3"})
	if !errors.Is(err, domain.ErrOutboxFull) {
		t.Fatalf("expected ErrOutboxFull, got %v", err)
	}
	_, _, err = Stage(s, domain.Message{ID: "x", ChannelID: "missing"})
	if !errors.Is(err, domain.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestApply_NewestKeptWhilePendingFillsWindow(t *testing.T) {
	s := seeded(t, 2)
	s, _, err := Stage(s, domain.Message{ID: "p1", ChannelID: "c1", CorrelationID: "corr-p1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Stage(s, domain.Message{ID: "p2", ChannelID: "c1", CorrelationID: "corr-p2"}); !errors.Is(err, domain.ErrOutboxFull) {
		t.Fatalf("last slot must stay free for server messages, got %v", err)
	}

	for i := 3; i < 6; i++ {
		id := fmt.Sprintf("srv-%d", i)
		var d domain.Delta
		s, d = Apply(s, sent(domain.Cursor(i), id, "x", ""))
		for _, c := range d.Changes {
			if c.Op == domain.OpRemoved && c.ID == id {
				t.Fatalf("%s evicted on arrival", id)
			}
		}
		if _, ok := s.Message("c1", id); !ok {
			t.Fatalf("newest message %s not retained", id)
		}
		if n := s.MessageCount("c1"); n > 2 {
			t.Fatalf("window exceeded capacity: %d", n)
		}
	}
	if _, ok := s.Message("c1", "p1"); !ok {
		t.Fatal("pending message was evicted")
	}
}

func TestMarkFailedAndPending(t *testing.T) {
	s := seeded(t, 10)
	s, _, _ = Stage(s, domain.Message{ID: "p1", ChannelID: "c1", CorrelationID: "corr"})

	s, d := MarkFailed(s, "c1", "corr", "timeout")
	m, _ := s.Message("c1", "p1")
	if m.State != domain.SendFailed || len(d.Changes) != 1 {
		t.Fatalf("expected failed, got %s (%+v)", m.State, d.Changes)
	}

	same, d := MarkFailed(s, "c1", "corr", "timeout")
	if same != s || len(d.Changes) != 0 {
		t.Error("marking failed twice should be a no-op")
	}

	s, _ = MarkPending(s, "c1", "corr")
	m, _ = s.Message("c1", "p1")
	if m.State != domain.SendPending {
		t.Errorf("expected pending after resend, got %s", m.State)
	}
}

func TestMarkFailed_IgnoresConfirmed(t *testing.T) {
	s := seeded(t, 10)
	s, _, _ = Stage(s, domain.Message{ID: "p1", ChannelID: "c1", CorrelationID: "corr"})
	s, _ = Apply(s, sent(3, "srv", "x", "corr"))

	next, _ := MarkFailed(s, "c1", "corr", "late timeout")
	m, _ := next.Message("c1", "srv")
	if m.State != domain.SendConfirmed {
		t.Errorf("confirmed message must not be failed, got %s", m.State)
	}
}

func TestMergeHistory_PrependsWithoutCursor(t *testing.T) {
	s := seeded(t, 4)
	s, _ = Apply(s, sent(10, "m10", "x", ""))
	s, _ = Apply(s, sent(11, "m11", "x", ""))

	older := []domain.Message{
		{ID: "h1", ChannelID: "c1"},
		{ID: "h2", ChannelID: "c1"},
		{ID: "h3", ChannelID: "c1"},
		{ID: "m10", ChannelID: "c1"},
	}
	s, d := MergeHistory(s, "c1", older)

	if s.Cursor() != 11 {
		t.Errorf("history must not move cursor, got %d", s.Cursor())
	}
	page, _ := s.ChannelMessages("c1", cache.Window{})
	var ids []string
	for _, m := range page.Messages {
		ids = append(ids, m.ID)
	}
	if got := fmt.Sprint(ids); got != "[h2 h3 m10 m11]" {
		t.Errorf("unexpected window %s", got)
	}
	if len(d.Changes) != 2 {
		t.Errorf("expected 2 history additions, got %+v", d.Changes)
	}
	if !page.NeedsRefetch {
		t.Error("truncated history should report refetch")
	}
}

func TestApply_OfflineSubmitReplayedAfterReconnect(t *testing.T) {
	s := seeded(t, 10)
	s, _, _ = Stage(s, domain.Message{ID: "local", ChannelID: "c1", Content: "M1", CorrelationID: "c1"})

	replay := []domain.Event{
		sent(3, "srv-a", "before", ""),
		sent(4, "srv-m1", "M1", "c1"),
	}
	// The server replays the whole tail twice across a drop.
	for range 2 {
		for _, ev := range replay {
			s, _ = Apply(s, ev)
		}
	}

	page, _ := s.ChannelMessages("c1", cache.Window{})
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Messages))
	}
	confirmed := 0
	for _, m := range page.Messages {
		if m.Content == "M1" {
			confirmed++
			if m.State != domain.SendConfirmed {
				t.Errorf("M1 should be confirmed, got %s", m.State)
			}
		}
	}
	if confirmed != 1 {
		t.Errorf("expected exactly one M1, got %d", confirmed)
	}
}
