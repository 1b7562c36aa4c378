package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"guildsync/internal/cache"
	"guildsync/internal/domain"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "guildsync.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_AppliesPragmas(t *testing.T) {
	s := testStore(t)
	var mode string
	if err := s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var timeout int
	if err := s.DB().QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshAndIdempotent(t *testing.T) {
	db := testDB(t)
	for i := range 2 {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	v, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, v)
	}
	for _, table := range []string{"settings", "snapshots", "attachments", "schema_version"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestRunMigrations_ToleratesExistingColumn(t *testing.T) {
	db := testDB(t)
	// v1 applied and the v2 column added by hand.
	if _, err := db.Exec(migrations[0].SQL); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, description TEXT, applied_at DATETIME)`); err != nil {
		t.Fatal(err)
	}
	db.Exec(`INSERT INTO schema_version (version, description) VALUES (1, 'manual')`)
	db.Exec(`ALTER TABLE snapshots ADD COLUMN checksum TEXT DEFAULT ''`)

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("migration should skip the duplicate column: %v", err)
	}
	if v, _ := GetSchemaVersion(db); v != schemaVersion {
		t.Errorf("expected version %d, got %d", schemaVersion, v)
	}
}

func TestGetSchemaVersion_NewFile(t *testing.T) {
	if v, err := GetSchemaVersion(testDB(t)); err != nil || v != 0 {
		t.Errorf("expected 0, got %d (%v)", v, err)
	}
}

func TestSettings_CRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, domain.SettingToken); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	s.Set(ctx, domain.SettingToken, "a")
	s.Set(ctx, domain.SettingToken, "b")
	if v, ok, _ := s.Get(ctx, domain.SettingToken); !ok || v != "b" {
		t.Errorf("expected overwrite, got %q", v)
	}
	all, err := s.Settings(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("unexpected settings %v (%v)", all, err)
	}
	s.Delete(ctx, domain.SettingToken)
	if _, ok, _ := s.Get(ctx, domain.SettingToken); ok {
		t.Error("delete did not remove the key")
	}
}

func TestSnapshot_RoundTripThroughCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := cache.New(10)
	tx := st.Begin()
	tx.PutGuild(domain.Guild{ID: "g1", Name: "Gophers"})
	tx.PutChannel(domain.Channel{ID: "c1", GuildID: "g1", Name: "general"})
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	tx.PutMessage(domain.Message{ID: "m1", ChannelID: "c1", GuildID: "g1", Content: "hi", Timestamp: ts})
	tx.SetCursor(42)
	st = tx.Commit()

	data, err := EncodeSnapshot(st.Export())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(ctx, st.Cursor(), data); err != nil {
		t.Fatal(err)
	}

	cursor, got, ok, err := s.LoadSnapshot(ctx)
	if err != nil || !ok || cursor != 42 {
		t.Fatalf("load: cursor=%d ok=%v err=%v", cursor, ok, err)
	}
	dump, err := DecodeSnapshot(got)
	if err != nil {
		t.Fatal(err)
	}
	restored := cache.FromDump(dump, 10)
	m, ok := restored.Message("c1", "m1")
	if !ok || m.Content != "hi" || !m.Timestamp.Equal(ts) {
		t.Errorf("message not restored intact: %+v", m)
	}
}

func TestSnapshot_ChecksumMismatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveSnapshot(ctx, 1, []byte{0xa0})
	s.DB().Exec(`UPDATE snapshots SET data = ?`, []byte{0xa1})
	if _, _, _, err := s.LoadSnapshot(ctx); err == nil {
		t.Error("expected checksum error")
	}
}

func TestAttachments_ListNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		err := s.RecordAttachment(ctx, domain.AttachmentRecord{
			Key: "k-" + id, RefID: id, Path: "/tmp/" + id, Size: int64(i), FetchedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	recs, err := s.ListAttachments(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].RefID != "c" || recs[1].RefID != "b" {
		t.Errorf("unexpected order %+v", recs)
	}
}
