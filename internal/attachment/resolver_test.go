package attachment

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guildsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type memIndex struct {
	mu   sync.Mutex
	recs []domain.AttachmentRecord
}

func (m *memIndex) RecordAttachment(_ context.Context, rec domain.AttachmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memIndex) ListAttachments(_ context.Context, limit int) ([]domain.AttachmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AttachmentRecord(nil), m.recs...), nil
}

// mediaServer serves /_harmony/media/download/<id> with body "blob:<id>".
// Requests block until release is closed when gate is true.
func mediaServer(t *testing.T, gate bool) (*httptest.Server, *atomic.Int32, chan struct{}) {
	t.Helper()
	var hits atomic.Int32
	release := make(chan struct{})
	if !gate {
		close(release)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		id, ok := strings.CutPrefix(r.URL.Path, mediaPath)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("blob:" + id))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, release
}

func newResolver(t *testing.T, srv *httptest.Server, index domain.AttachmentIndex, maxBytes int64) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		Dir:      t.TempDir(),
		Endpoint: "ws://" + srv.Listener.Addr().String() + "/ws",
		MaxBytes: maxBytes,
		Client:   srv.Client(),
		Index:    index,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func first(seq func(func(Resolution) bool)) Resolution {
	var out Resolution
	for res := range seq {
		out = res
		break
	}
	return out
}

func TestResolve_FetchThenReady(t *testing.T) {
	srv, hits, _ := mediaServer(t, false)
	index := &memIndex{}
	r := newResolver(t, srv, index, 0)
	ref := domain.AttachmentRef{ID: "abc"}

	f, ok := first(r.Resolve(ref)).(Fetching)
	if !ok {
		t.Fatal("expected Fetching on first resolve")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "blob:abc" {
		t.Fatalf("unexpected file content %q (err %v)", data, err)
	}

	ready, ok := first(r.Resolve(ref)).(Ready)
	if !ok || ready.Path != path {
		t.Fatalf("expected Ready at %s, got %+v", path, ready)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one download, got %d", hits.Load())
	}
	if len(index.recs) != 1 || index.recs[0].MimeType != "image/png" || index.recs[0].Size != int64(len("blob:abc")) {
		t.Errorf("unexpected index records: %+v", index.recs)
	}
}

func TestResolve_IsLazy(t *testing.T) {
	srv, hits, _ := mediaServer(t, false)
	r := newResolver(t, srv, nil, 0)

	_ = r.Resolve(domain.AttachmentRef{ID: "never"})
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 0 {
		t.Fatalf("resolve without iteration should not fetch, got %d hits", hits.Load())
	}
}

func TestResolve_ConcurrentFetchesAreDeduplicated(t *testing.T) {
	srv, hits, release := mediaServer(t, true)
	r := newResolver(t, srv, nil, 0)
	ref := domain.AttachmentRef{ID: "shared"}

	var waits []func(context.Context) (string, error)
	for range 5 {
		f, ok := first(r.Resolve(ref)).(Fetching)
		if !ok {
			t.Fatal("expected Fetching while download is blocked")
		}
		waits = append(waits, f.Wait)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, wait := range waits {
		if _, err := wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one download for concurrent resolves, got %d", hits.Load())
	}
}

func TestResolve_TooLargeFails(t *testing.T) {
	srv, _, _ := mediaServer(t, false)
	r := newResolver(t, srv, nil, 4)
	ref := domain.AttachmentRef{ID: "big"}

	f := first(r.Resolve(ref)).(Fetching)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatal("expected size limit error")
	}
	if _, err := os.Stat(r.Path(ref)); !os.IsNotExist(err) {
		t.Fatalf("oversized blob should not be stored: %v", err)
	}
	// A failed reference is retried on the next iteration.
	if _, ok := first(r.Resolve(ref)).(Fetching); !ok {
		t.Fatal("expected Fetching again after failure")
	}
}

func TestResolve_WaitHonoursContext(t *testing.T) {
	srv, _, release := mediaServer(t, true)
	defer close(release)
	r := newResolver(t, srv, nil, 0)

	f := first(r.Resolve(domain.AttachmentRef{ID: "slow"})).(Fetching)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestURL(t *testing.T) {
	r, err := NewResolver(Config{Dir: t.TempDir(), Endpoint: "wss://chat.example.com/ws", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	cases := []struct {
		id, want string
	}{
		{"abc", "https://chat.example.com/_harmony/media/download/abc"},
		{"hmc://other.example.org/f1", "https://other.example.org/_harmony/media/download/f1"},
		{"https://cdn.example.com/x.png", "https://cdn.example.com/x.png"},
	}
	for _, c := range cases {
		got, err := r.URL(domain.AttachmentRef{ID: c.id})
		if err != nil {
			t.Errorf("%s: %v", c.id, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: got %s, want %s", c.id, got, c.want)
		}
	}
	if _, err := r.URL(domain.AttachmentRef{ID: "hmc://host-only"}); err == nil {
		t.Error("expected error for hmc reference without file id")
	}
}

func TestKey_DependsOnServer(t *testing.T) {
	a, _ := NewResolver(Config{Dir: t.TempDir(), Endpoint: "ws://one.example", Logger: testLogger()})
	b, _ := NewResolver(Config{Dir: t.TempDir(), Endpoint: "ws://two.example", Logger: testLogger()})
	defer a.Close()
	defer b.Close()

	ref := domain.AttachmentRef{ID: "same"}
	if a.Key(ref) == b.Key(ref) {
		t.Fatal("keys for different servers should differ")
	}
	if a.Key(ref) != a.Key(ref) {
		t.Fatal("key should be stable")
	}
	if len(a.Key(ref)) != 64 {
		t.Fatalf("expected 32-byte hex key, got %d chars", len(a.Key(ref)))
	}
}
