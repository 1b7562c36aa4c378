package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"guildsync/internal/cache"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	os.Exit(m.Run())
}

const sampleLog = `# recorded session
{"cursor":1,"kind":"guild.updated","guildId":"g1","name":"Gophers"}
{"cursor":2,"kind":"channel.updated","guildId":"g1","channelId":"c1","name":"general"}
{"cursor":3,"kind":"member.joined","guildId":"g1","userId":"bob"}
{"cursor":4,"kind":"message.sent","message":{"id":"m1","channelId":"c1","guildId":"g1","authorId":"bob","content":"one","createdAt":1700000000000}}
{"kind":"connection.dropped","reason":"server restart"}
{"cursor":5,"kind":"message.sent","message":{"id":"m2","channelId":"c1","guildId":"g1","authorId":"bob","content":"two","createdAt":1700000001000}}
{"cursor":6,"kind":"message.edited","guildId":"g1","channelId":"c1","messageId":"m1","content":"uno","editedAt":1700000002000}

{"cursor":7,"kind":"message.sent","message":{"id":"m3","channelId":"c1","guildId":"g1","authorId":"bob","content":"three","createdAt":1700000003000}}
{"cursor":8,"kind":"message.deleted","guildId":"g1","channelId":"c1","messageId":"m2"}
`

func TestReadLog(t *testing.T) {
	events, err := readLog(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(events) != 9 {
		t.Fatalf("expected 9 events, got %d", len(events))
	}

	_, err = readLog(strings.NewReader(`{"cursor":1,"kind":"guild.updated"}`))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected error naming the line, got %v", err)
	}
	if _, err := readLog(strings.NewReader("not json\n")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReplay_AcrossDrops(t *testing.T) {
	events, err := readLog(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := replay(ctx, events, replayOptions{Capacity: 10, DropEvery: 3, Timeout: 5 * time.Second, Logger: logger})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Events != 8 {
		t.Errorf("expected 8 events, got %d", res.Events)
	}
	if res.Drops < 3 {
		t.Errorf("expected at least 3 drops, got %d", res.Drops)
	}
	st := res.State
	if st.Cursor() != 8 {
		t.Fatalf("cursor = %d, want 8", st.Cursor())
	}
	page, err := st.ChannelMessages("c1", cache.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("expected 3 messages (one tombstone), got %+v", page.Messages)
	}
	if page.Messages[0].Content != "uno" || !page.Messages[1].Deleted || page.Messages[2].Content != "three" {
		t.Errorf("unexpected messages %+v", page.Messages)
	}
	if members := st.Members("g1"); len(members) != 1 || members[0] != "bob" {
		t.Errorf("unexpected members %v", members)
	}

	var out bytes.Buffer
	printState(&out, res)
	if !strings.Contains(out.String(), "#general  c1  3 messages") {
		t.Errorf("unexpected summary:\n%s", out.String())
	}
}

func TestBackup_RoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "guildsync.db")
	cfgPath := filepath.Join(src, "config.yaml")
	os.WriteFile(dbPath, []byte("database"), 0o600)
	os.WriteFile(dbPath+"-wal", []byte("wal"), 0o600)
	os.WriteFile(cfgPath, []byte("general:\n  logLevel: debug\n"), 0o600)

	files := backupFiles(dbPath, cfgPath)
	if len(files) != 3 {
		t.Fatalf("expected db, wal and config, got %v", files)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := createTarZst(archive, files); err != nil {
		t.Fatalf("create: %v", err)
	}

	dst := t.TempDir()
	newDB := filepath.Join(dst, "data", "guildsync.db")
	newCfg := filepath.Join(dst, "config.yaml")
	restored, err := extractTarZst(archive, newDB, newCfg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 restored files, got %v", restored)
	}
	for path, want := range map[string]string{
		newDB:          "database",
		newDB + "-wal": "wal",
		newCfg:         "general:\n  logLevel: debug\n",
	} {
		got, err := os.ReadFile(path)
		if err != nil || string(got) != want {
			t.Errorf("%s: got %q (err %v), want %q", path, got, err, want)
		}
	}
}

func TestExtract_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("definitely not zstd"), 0o600)
	if _, err := extractTarZst(path, filepath.Join(t.TempDir(), "x.db"), filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Fatal("expected error for a non-zstd archive")
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KB",
		5 << 20: "5.0 MB",
	}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %s, want %s", in, got, want)
		}
	}
}
