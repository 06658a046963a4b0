package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/security"
	"github.com/hubblenetwork/hubbledemo/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var image = []byte("\x7fELF\x01\x01\x01 synthetic image")

// recordingTimer fires immediately and remembers every requested delay.
type recordingTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.delays = append(r.delays, d)
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time {
	return r.c
}

// scriptedServer answers each request with the next status in statuses,
// repeating the last one once the script runs out.
func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		if r.URL.Path != "/nrf52dk.elf" {
			status = http.StatusNotFound
		}
		if status == http.StatusOK {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(image)
			return
		}
		http.Error(w, http.StatusText(status), status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestFetcher(cfg Config, opts ...Option) (*Fetcher, *recordingTimer) {
	timer := newRecordingTimer()
	opts = append([]Option{WithTimer(timer)}, opts...)
	return NewFetcher(cfg, security.NewValidator(1<<20), opts...), timer
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	srv, calls := scriptedServer(t, 503, 503, 200)
	f, timer := newTestFetcher(Config{BaseURL: srv.URL})

	img, err := f.Fetch(context.Background(), "nrf52dk")
	require.NoError(t, err)
	assert.Equal(t, image, img.Data)
	assert.Equal(t, srv.URL+"/nrf52dk.elf", img.Source)
	assert.Len(t, img.SHA256, 64)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, timer.delays)
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	srv, calls := scriptedServer(t, 404)
	f, timer := newTestFetcher(Config{BaseURL: srv.URL})

	_, err := f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, timer.delays)
}

func TestFetchExhaustsRetries(t *testing.T) {
	srv, calls := scriptedServer(t, 500)
	f, timer := newTestFetcher(Config{BaseURL: srv.URL})

	_, err := f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrConnectionFailed)
	assert.Equal(t, "ConnectionFailed", errors.Kind(err))
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
	}, timer.delays)

	var statusErr *errors.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 500, statusErr.Code)
}

func TestFetchOtherStatusFailsImmediately(t *testing.T) {
	srv, calls := scriptedServer(t, 403)
	f, timer := newTestFetcher(Config{BaseURL: srv.URL})

	_, err := f.Fetch(context.Background(), "nrf52dk")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrConnectionFailed)

	var statusErr *errors.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 403, statusErr.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, timer.delays)
}

func TestFetchRejectsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>login</html>"))
	}))
	defer srv.Close()

	f, timer := newTestFetcher(Config{BaseURL: srv.URL})
	_, err := f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrInvalid)
	assert.Empty(t, timer.delays)
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	f, timer := newTestFetcher(Config{BaseURL: base, Timeout: time.Second})
	_, err := f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrConnectionFailed)
	assert.Len(t, timer.delays, 4)
}

func TestFetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL}, security.NewValidator(1024), WithTimer(newRecordingTimer()))
	_, err := f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrInvalid)
}

func TestFetchLocalOverride(t *testing.T) {
	srv, calls := scriptedServer(t, 200)
	local := filepath.Join(t.TempDir(), "custom.elf")
	require.NoError(t, os.WriteFile(local, image, 0644))

	f, _ := newTestFetcher(Config{LocalFile: local, BaseURL: srv.URL})
	img, err := f.Fetch(context.Background(), "nrf52dk")
	require.NoError(t, err)
	assert.Equal(t, image, img.Data)
	assert.Equal(t, local, img.Source)
	assert.Equal(t, int32(0), calls.Load())

	f, _ = newTestFetcher(Config{LocalFile: filepath.Join(t.TempDir(), "missing.elf")})
	_, err = f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestFetchInvalidBoard(t *testing.T) {
	f, _ := newTestFetcher(Config{BaseURL: "http://127.0.0.1:1"})

	for _, board := range []string{"", "../nrf52dk", "a/b"} {
		_, err := f.Fetch(context.Background(), board)
		assert.ErrorIs(t, err, errors.ErrInvalid, "board %q", board)
	}
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, key string, maxSize int64) (*storage.Object, error) {
	args := m.Called(key)
	if obj := args.Get(0); obj != nil {
		return obj.(*storage.Object), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestFetchFromS3(t *testing.T) {
	store := &mockStore{}
	store.On("Get", "merge/nrf52dk.elf").Return(nil, &errors.StatusError{Code: 503}).Once()
	store.On("Get", "merge/nrf52dk.elf").Return(&storage.Object{
		Body:        image,
		ContentType: "binary/octet-stream",
		SHA256:      "abc",
		Size:        int64(len(image)),
	}, nil).Once()

	f, timer := newTestFetcher(Config{BaseURL: "s3://firmware/merge/"}, WithObjectStore(store))
	img, err := f.Fetch(context.Background(), "nrf52dk")
	require.NoError(t, err)
	assert.Equal(t, image, img.Data)
	assert.Equal(t, "s3://firmware/merge/nrf52dk.elf", img.Source)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, timer.delays)
	store.AssertExpectations(t)
}

func TestFetchFromS3NotFound(t *testing.T) {
	store := &mockStore{}
	store.On("Get", "nrf52dk.elf").Return(nil, errors.ErrNotFound).Once()

	f, timer := newTestFetcher(Config{BaseURL: "s3://firmware"}, WithObjectStore(store))
	_, err := f.Fetch(context.Background(), "nrf52dk")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Empty(t, timer.delays)
	store.AssertExpectations(t)
}
