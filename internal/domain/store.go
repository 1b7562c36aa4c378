package domain

import (
	"context"
	"time"
)

// Well-known settings keys.
const (
	SettingEndpoint   = "endpoint"
	SettingToken      = "token"
	SettingLastCursor = "lastCursor"
	SettingWindowSize = "windowSize"
)

// SettingsStore is an opaque persisted key-value store.
type SettingsStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SnapshotStore persists an encoded cache snapshot between runs.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, cursor Cursor, data []byte) error
	LoadSnapshot(ctx context.Context) (cursor Cursor, data []byte, ok bool, err error)
}

// AttachmentRecord describes a blob the resolver has written to disk.
type AttachmentRecord struct {
	Key       string    `json:"key"`
	RefID     string    `json:"ref_id"`
	Path      string    `json:"path"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AttachmentIndex records fetched attachments.
type AttachmentIndex interface {
	RecordAttachment(ctx context.Context, rec AttachmentRecord) error
	ListAttachments(ctx context.Context, limit int) ([]AttachmentRecord, error)
}
