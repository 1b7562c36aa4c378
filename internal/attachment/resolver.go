// Package attachment downloads message attachments into a local cache
// directory. Nothing else writes to that directory.
package attachment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"guildsync/internal/domain"
	"guildsync/internal/metrics"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxBytes     = 25 << 20
	defaultFetchTimeout = 60 * time.Second
	mediaPath           = "/_harmony/media/download/"
	keyContext          = "guildsync attachment cache key v1"
)

// Resolution is what Resolve yields: Ready or Fetching.
type Resolution interface {
	resolution()
}

// Ready means the blob is on disk.
type Ready struct {
	Ref  domain.AttachmentRef
	Path string
}

// Fetching means a download is running. Wait blocks until it finishes or
// ctx ends, and returns the local path or the download error.
type Fetching struct {
	Ref  domain.AttachmentRef
	Wait func(ctx context.Context) (string, error)
}

func (Ready) resolution()    {}
func (Fetching) resolution() {}

// Config configures a Resolver.
type Config struct {
	Dir          string
	Endpoint     string // server websocket endpoint; media URLs are derived from it
	MaxBytes     int64
	FetchTimeout time.Duration
	Client       *http.Client
	Index        domain.AttachmentIndex // optional
	Now          func() time.Time
	Logger       *slog.Logger
}

// Resolver maps attachment references to files in the cache directory,
// fetching them in the background on first use.
type Resolver struct {
	dir          string
	base         string
	key          [32]byte
	maxBytes     int64
	fetchTimeout time.Duration
	client       *http.Client
	index        domain.AttachmentIndex
	now          func() time.Time
	logger       *slog.Logger

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Dir == "" {
		return nil, errors.New("attachment directory is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.FetchTimeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var base string
	if cfg.Endpoint != "" {
		b, err := MediaBase(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		base = b
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	r := &Resolver{
		dir:          cfg.Dir,
		base:         base,
		maxBytes:     cfg.MaxBytes,
		fetchTimeout: cfg.FetchTimeout,
		client:       cfg.Client,
		index:        cfg.Index,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	// Files from different servers never collide even when ids repeat.
	r.key = blake3.Sum256([]byte(keyContext + "\x00" + base))
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Close aborts running downloads.
func (r *Resolver) Close() {
	r.cancel()
}

// Key returns the cache key of ref: a keyed BLAKE3 hash of its id.
func (r *Resolver) Key(ref domain.AttachmentRef) string {
	h, err := blake3.NewKeyed(r.key[:])
	if err != nil {
		panic("attachment: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write([]byte(ref.ID))
	return hex.EncodeToString(h.Sum(nil))
}

// Path returns where ref is stored once fetched.
func (r *Resolver) Path(ref domain.AttachmentRef) string {
	key := r.Key(ref)
	return filepath.Join(r.dir, key[:2], key)
}

// Resolve yields the state of ref. Nothing happens until the sequence is
// iterated, and every iteration checks the disk again, so a caller that got
// Fetching can simply iterate once more after Wait returns.
func (r *Resolver) Resolve(ref domain.AttachmentRef) iter.Seq[Resolution] {
	return func(yield func(Resolution) bool) {
		path := r.Path(ref)
		if _, err := os.Stat(path); err == nil {
			yield(Ready{Ref: ref, Path: path})
			return
		}
		yield(Fetching{Ref: ref, Wait: r.start(ref, path)})
	}
}

// start joins or begins the download of ref.
func (r *Resolver) start(ref domain.AttachmentRef, path string) func(ctx context.Context) (string, error) {
	key := r.Key(ref)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.download(ref, key, path)
	})

	done := make(chan struct{})
	var (
		result string
		err    error
	)
	go func() {
		res := <-ch
		if res.Err != nil {
			err = res.Err
		} else {
			result = res.Val.(string)
		}
		close(done)
	}()

	return func(ctx context.Context) (string, error) {
		select {
		case <-done:
			return result, err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *Resolver) download(ref domain.AttachmentRef, key, path string) (_ string, err error) {
	start := time.Now()
	metrics.AttachmentsInFlight.Inc()
	defer func() {
		metrics.AttachmentsInFlight.Dec()
		metrics.AttachmentLatency.ObserveSince(start)
		if err != nil {
			metrics.AttachmentFailures.Inc()
			r.logger.Warn("attachment fetch failed", "ref", ref.ID, "err", err)
		}
	}()
	metrics.AttachmentFetches.Inc()

	src, err := r.URL(ref)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", &domain.NetworkError{Op: "attachment", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", src, resp.StatusCode)
	}
	if resp.ContentLength > r.maxBytes {
		return "", fmt.Errorf("attachment %s is %d bytes, limit %d", ref.ID, resp.ContentLength, r.maxBytes)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, key+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, r.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", &domain.NetworkError{Op: "attachment", Err: err}
	}
	if n > r.maxBytes {
		return "", fmt.Errorf("attachment %s exceeds limit of %d bytes", ref.ID, r.maxBytes)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}

	mime := ref.MimeType
	if mime == "" {
		mime = resp.Header.Get("Content-Type")
	}
	if r.index != nil {
		rec := domain.AttachmentRecord{
			Key: key, RefID: ref.ID, Path: path,
			MimeType: mime, Size: n, FetchedAt: r.now().UTC(),
		}
		if err := r.index.RecordAttachment(ctx, rec); err != nil {
			r.logger.Warn("failed to index attachment", "ref", ref.ID, "err", err)
		}
	}
	r.logger.Debug("attachment fetched", "ref", ref.ID, "bytes", n, "duration", time.Since(start))
	return path, nil
}

// URL returns the HTTP location of ref. Plain ids and hmc://host/id
// references go through the server's media download route; http(s) URLs
// are used as they are.
func (r *Resolver) URL(ref domain.AttachmentRef) (string, error) {
	id := ref.ID
	switch {
	case id == "":
		return "", errors.New("empty attachment reference")
	case strings.HasPrefix(id, "http://"), strings.HasPrefix(id, "https://"):
		return id, nil
	case strings.HasPrefix(id, "hmc://"):
		u, err := url.Parse(id)
		if err != nil {
			return "", fmt.Errorf("parse attachment reference %q: %w", id, err)
		}
		fileID := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || fileID == "" {
			return "", fmt.Errorf("malformed attachment reference %q", id)
		}
		scheme := "https"
		if strings.HasPrefix(r.base, "http://") {
			scheme = "http"
		}
		return scheme + "://" + u.Host + mediaPath + url.PathEscape(fileID), nil
	default:
		if r.base == "" {
			return "", fmt.Errorf("no server endpoint to resolve attachment %q", id)
		}
		return r.base + mediaPath + url.PathEscape(id), nil
	}
}

// MediaBase turns a websocket endpoint into the HTTP origin serving media.
func MediaBase(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
