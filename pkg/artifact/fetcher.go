// Package artifact retrieves board-specific firmware images.
//
// Images come from, in order of precedence: a local file override, an
// override base URL, or the default artifact store. Network sources are
// retried with exponential backoff on transient failures; a missing image is
// final and never retried.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/security"
	"github.com/hubblenetwork/hubbledemo/pkg/storage"
)

const (
	// DefaultBaseURL is the public artifact store.
	DefaultBaseURL = "https://raw.githubusercontent.com/HubbleNetwork/hubble-tldm/master/merge"
	// ImageExt is appended to the board name to form the artifact name.
	ImageExt = "elf"

	DefaultMaxAttempts = 5
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultTimeout     = 20 * time.Second
	DefaultS3Region    = "us-east-1"
)

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Config selects where images come from and how hard to try.
type Config struct {
	// LocalFile bypasses the network entirely when set.
	LocalFile string
	// BaseURL overrides DefaultBaseURL. An s3://bucket/prefix URL selects
	// the S3 backend.
	BaseURL string
	// Timeout bounds a single attempt.
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	S3Region    string
}

// ObjectStore fetches objects from a bucket.
type ObjectStore interface {
	Get(ctx context.Context, key string, maxSize int64) (*storage.Object, error)
}

// Image is a retrieved firmware image.
type Image struct {
	Data   []byte
	Source string
	SHA256 string
}

// Fetcher retrieves images for boards.
type Fetcher struct {
	cfg        Config
	validator  *security.Validator
	httpClient *http.Client
	timer      backoff.Timer
	newStore   func(ctx context.Context, bucket string) (ObjectStore, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client used for URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithTimer replaces the timer that paces retries.
func WithTimer(t backoff.Timer) Option {
	return func(f *Fetcher) {
		f.timer = t
	}
}

// WithObjectStore serves every s3:// base URL from store.
func WithObjectStore(store ObjectStore) Option {
	return func(f *Fetcher) {
		f.newStore = func(context.Context, string) (ObjectStore, error) {
			return store, nil
		}
	}
}

// NewFetcher creates a Fetcher. Zero config values take the package defaults.
func NewFetcher(cfg Config, validator *security.Validator, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.S3Region == "" {
		cfg.S3Region = DefaultS3Region
	}

	f := &Fetcher{
		cfg:        cfg,
		validator:  validator,
		httpClient: &http.Client{},
	}
	f.newStore = func(ctx context.Context, bucket string) (ObjectStore, error) {
		return storage.NewClient(ctx, bucket, f.cfg.S3Region)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the image for board.
func (f *Fetcher) Fetch(ctx context.Context, board string) (*Image, error) {
	if err := f.validator.ValidateBoard(board); err != nil {
		return nil, err
	}
	board = strings.TrimSpace(board)

	if f.cfg.LocalFile != "" {
		return f.readLocal(f.cfg.LocalFile)
	}

	base := f.cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	name := board + "." + ImageExt

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: base URL %q: %w", errors.ErrInvalid, base, err)
	}

	if u.Scheme == "s3" {
		store, err := f.newStore(ctx, u.Host)
		if err != nil {
			return nil, errors.Mark(errors.ErrConnectionFailed, err)
		}
		key := path.Join(strings.Trim(u.Path, "/"), name)
		source := fmt.Sprintf("s3://%s/%s", u.Host, key)
		return f.retrieve(ctx, board, source, func(ctx context.Context) (*storage.Object, error) {
			return store.Get(ctx, key, f.validator.MaxImageSize())
		})
	}

	source := strings.TrimRight(base, "/") + "/" + name
	return f.retrieve(ctx, board, source, func(ctx context.Context) (*storage.Object, error) {
		return f.httpGet(ctx, source)
	})
}

func (f *Fetcher) readLocal(p string) (*Image, error) {
	slog.Info("fetch_local_override", "path", p)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: local image %s", errors.ErrNotFound, p)
		}
		return nil, errors.Wrap(err, "failed to read local image")
	}
	if err := f.validator.ValidateImageSize(int64(len(data))); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	return &Image{Data: data, Source: p, SHA256: hex.EncodeToString(sum[:])}, nil
}

// retrieve runs get under the retry policy.
func (f *Fetcher) retrieve(ctx context.Context, board, source string, get func(context.Context) (*storage.Object, error)) (*Image, error) {
	var (
		obj     *storage.Object
		attempt int
	)

	op := func() error {
		attempt++
		slog.Info("fetch_attempt", "board", board, "source", source, "attempt", attempt)

		actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()

		o, err := get(actx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		ctype := strings.ToLower(o.ContentType)
		if strings.Contains(ctype, "html") {
			return backoff.Permanent(fmt.Errorf("%w: expected ELF bytes, got %s from %s", errors.ErrInvalid, ctype, source))
		}
		if err := f.validator.ValidateImageSize(o.Size); err != nil {
			return backoff.Permanent(err)
		}

		obj = o
		return nil
	}

	notify := func(err error, delay time.Duration) {
		slog.Warn("fetch_retry", "board", board, "attempt", attempt, "delay", delay.String(), "error", err)
	}

	var schedule backoff.BackOff = f.schedule()
	schedule = backoff.WithMaxRetries(schedule, uint64(f.cfg.MaxAttempts-1))
	schedule = backoff.WithContext(schedule, ctx)

	if err := backoff.RetryNotifyWithTimer(op, schedule, notify, f.timer); err != nil {
		slog.Error("fetch_failed", "board", board, "source", source, "attempts", attempt, "error", err)
		if retryable(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", errors.ErrConnectionFailed, source, attempt, err)
		}
		return nil, err
	}

	slog.Info("fetch_complete",
		"board", board,
		"source", source,
		"attempts", attempt,
		"size", humanize.IBytes(uint64(obj.Size)),
	)

	return &Image{Data: obj.Body, Source: source, SHA256: obj.SHA256}, nil
}

// schedule returns the delay sequence base, 2*base, 4*base, ... without jitter.
func (f *Fetcher) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	return b
}

func (f *Fetcher) httpGet(ctx context.Context, source string) (*storage.Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errors.Mark(errors.ErrInvalid, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: no image at %s", errors.ErrNotFound, source)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &errors.StatusError{Code: resp.StatusCode, URL: source}
	}

	hash := sha256.New()
	body, err := io.ReadAll(io.TeeReader(io.LimitReader(resp.Body, f.validator.MaxImageSize()+1), hash))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	return &storage.Object{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		Size:        int64(len(body)),
	}, nil
}

// retryable reports whether err is worth another attempt: transient HTTP
// statuses and transport failures are; missing or malformed images are not.
func retryable(err error) bool {
	if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrInvalid) {
		return false
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var statusErr *errors.StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus[statusErr.Code]
	}
	return true
}
