package fsm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hubblenetwork/hubbledemo/internal/elftest"
	"github.com/hubblenetwork/hubbledemo/pkg/artifact"
	"github.com/hubblenetwork/hubbledemo/pkg/db"
	"github.com/hubblenetwork/hubbledemo/pkg/elfpatch"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/registry"
)

var (
	testKey = bytes.Repeat([]byte{0x5A}, 32)
	testNow = time.UnixMilli(1700000000000)
)

type fakeRegistrar struct {
	calls int
	err   error
}

func (r *fakeRegistrar) Register(ctx context.Context, name string) (*registry.Device, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &registry.Device{ID: "dev-123", Name: name, Key: testKey}, nil
}

type fakeFetcher struct {
	image []byte
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, board string) (*artifact.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &artifact.Image{Data: f.image, Source: "test://" + board, SHA256: "feedface"}, nil
}

type mockFlasher struct {
	mock.Mock
	flashed []byte
}

func (m *mockFlasher) Flash(ctx context.Context, image []byte, board string) error {
	m.flashed = append([]byte(nil), image...)
	return m.Called(board).Error(0)
}

func (m *mockFlasher) ProbeAvailable(ctx context.Context) bool {
	return m.Called().Bool(0)
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Provision(ctx context.Context, key []byte, port, deviceType string) error {
	return m.Called(key, port, deviceType).Error(0)
}

type harness struct {
	repo        *db.Repository
	registrar   *fakeRegistrar
	fetcher     *fakeFetcher
	flasher     *mockFlasher
	provisioner *mockProvisioner
	workDir     string
	m           *Machine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	h := &harness{
		repo:        repo,
		registrar:   &fakeRegistrar{},
		fetcher:     &fakeFetcher{image: elftest.Provisionable(binary.LittleEndian).Build()},
		flasher:     &mockFlasher{},
		provisioner: &mockProvisioner{},
		workDir:     t.TempDir(),
	}
	h.m = NewMachine(Deps{
		Store:       repo,
		Registrar:   h.registrar,
		Fetcher:     h.fetcher,
		Flasher:     h.flasher,
		Provisioner: h.provisioner,
		Clock:       testclock.NewClock(testNow),
	}, h.workDir, 3)
	return h
}

// run executes the steps in pipeline order, stopping at the first failure
// the way the state machine does.
func (h *harness) run(ctx context.Context, req *ProvisionRequest) (*ProvisionResponse, error) {
	resp := &ProvisionResponse{}
	for _, s := range []step{h.m.Register, h.m.Fetch, h.m.Patch, h.m.Transfer, h.m.Complete} {
		if err := s(ctx, req, resp); err != nil {
			h.m.fail(resp, err)
			return resp, err
		}
	}
	return resp, nil
}

func TestFlashPipeline(t *testing.T) {
	h := newHarness(t)
	h.flasher.On("ProbeAvailable").Return(true)
	h.flasher.On("Flash", "nrf52dk").Return(nil)

	req := &ProvisionRequest{RunID: "run-1", Name: "bench-7", Board: "nrf52dk", Method: db.MethodFlash}
	resp, err := h.run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, db.StatusProvisioned, resp.Status)
	assert.Equal(t, "dev-123", resp.DeviceID)
	assert.Equal(t, uint64(testNow.UnixMilli()), resp.UTCMillis)

	// The flashed image carries the key and timestamp.
	img := elfpatch.NewImage(h.flasher.flashed)
	key, err := img.ReadSymbol(elfpatch.MasterKeySymbol)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
	ms, err := img.ReadTimestamp(elfpatch.UTCTimeSymbol)
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000000), ms)

	rec, err := h.repo.GetByRunID("run-1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusProvisioned, rec.Status)
	assert.Equal(t, "feedface", rec.ImageSHA256)
	assert.Equal(t, base64.StdEncoding.EncodeToString(testKey), rec.DeviceKey)

	entries, err := os.ReadDir(filepath.Join(h.workDir, "images"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	h.flasher.AssertExpectations(t)
}

func TestSerialPipeline(t *testing.T) {
	h := newHarness(t)
	h.provisioner.On("Provision", testKey, "/dev/ttyACM0", "nRF52840_xxAA").Return(nil)

	req := &ProvisionRequest{RunID: "run-2", Name: "bench-8", Board: "nrf52840dk", Method: db.MethodSerial, Port: "/dev/ttyACM0"}
	resp, err := h.run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, db.StatusProvisioned, resp.Status)
	assert.Empty(t, resp.ImagePath)
	assert.Empty(t, resp.PatchedPath)
	h.provisioner.AssertExpectations(t)
	h.flasher.AssertNotCalled(t, "Flash", mock.Anything)
}

func TestSerialPipelineExplicitDeviceType(t *testing.T) {
	h := newHarness(t)
	h.provisioner.On("Provision", testKey, "COM3", "nRF52832_xxAA").Return(nil)

	req := &ProvisionRequest{
		RunID:      "run-3",
		Name:       "bench-9",
		Board:      "custom-board",
		Method:     db.MethodSerial,
		Port:       "COM3",
		DeviceType: "nRF52832_xxAA",
	}
	_, err := h.run(context.Background(), req)
	require.NoError(t, err)
	h.provisioner.AssertExpectations(t)
}

func TestRegisterReusesRecord(t *testing.T) {
	h := newHarness(t)
	req := &ProvisionRequest{RunID: "run-1", Name: "bench-7", Board: "nrf52dk", Method: db.MethodFlash}

	first := &ProvisionResponse{}
	require.NoError(t, h.m.Register(context.Background(), req, first))
	second := &ProvisionResponse{}
	require.NoError(t, h.m.Register(context.Background(), req, second))

	assert.Equal(t, 1, h.registrar.calls)
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, first.DeviceID, second.DeviceID)
}

func TestPipelineFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		req       ProvisionRequest
		wantErr   error
		wantKind  string
		hasRecord bool
	}{
		{
			name:     "registration",
			setup:    func(h *harness) { h.registrar.err = errors.Mark(errors.ErrConnectionFailed, errors.New("dial tcp")) },
			req:      ProvisionRequest{Board: "nrf52dk", Method: db.MethodFlash},
			wantErr:  errors.ErrConnectionFailed,
			wantKind: "ConnectionFailed",
		},
		{
			name:      "image not found",
			setup:     func(h *harness) { h.fetcher.err = errors.ErrNotFound },
			req:       ProvisionRequest{Board: "nrf52dk", Method: db.MethodFlash},
			wantErr:   errors.ErrNotFound,
			wantKind:  "NotFound",
			hasRecord: true,
		},
		{
			name: "image without master_key",
			setup: func(h *harness) {
				b := elftest.Provisionable(binary.LittleEndian)
				b.Symbols = b.Symbols[1:]
				h.fetcher.image = b.Build()
			},
			req:       ProvisionRequest{Board: "nrf52dk", Method: db.MethodFlash},
			wantErr:   errors.ErrNotFound,
			wantKind:  "NotFound",
			hasRecord: true,
		},
		{
			name: "flash",
			setup: func(h *harness) {
				h.flasher.On("ProbeAvailable").Return(true)
				h.flasher.On("Flash", "nrf52dk").Return(errors.Mark(errors.ErrFlashFailed, errors.New("verify failed")))
			},
			req:       ProvisionRequest{Board: "nrf52dk", Method: db.MethodFlash},
			wantErr:   errors.ErrFlashFailed,
			wantKind:  "FlashFailed",
			hasRecord: true,
		},
		{
			name:      "serial unsupported board",
			req:       ProvisionRequest{Board: "esp32", Method: db.MethodSerial, Port: "/dev/ttyUSB0"},
			wantErr:   errors.ErrUnsupported,
			wantKind:  "Unsupported",
			hasRecord: true,
		},
		{
			name: "serial key size",
			setup: func(h *harness) {
				h.provisioner.On("Provision", mock.Anything, mock.Anything, mock.Anything).
					Return(errors.Mark(errors.ErrInvalidKeySize, errors.New("key is 31 bytes")))
			},
			req:       ProvisionRequest{Board: "nrf52dk", Method: db.MethodSerial, Port: "/dev/ttyUSB0"},
			wantErr:   errors.ErrInvalidKeySize,
			wantKind:  "InvalidKeySize",
			hasRecord: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			req := tt.req
			req.RunID = "run-" + tt.name
			req.Name = "bench"

			resp, err := h.run(context.Background(), &req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, db.StatusFailed, resp.Status)
			assert.Equal(t, tt.wantKind, resp.ErrorKind)

			rec, err := h.repo.GetByRunID(req.RunID)
			require.NoError(t, err)
			if !tt.hasRecord {
				assert.Nil(t, rec)
				return
			}
			require.NotNil(t, rec)
			assert.Equal(t, db.StatusFailed, rec.Status)
			assert.Equal(t, tt.wantKind, rec.ErrorKind)
		})
	}
}

func TestFlashRequiresAttachedProbe(t *testing.T) {
	h := newHarness(t)
	h.flasher.On("ProbeAvailable").Return(false)

	req := &ProvisionRequest{RunID: "run-no-probe", Name: "bench", Board: "nrf52dk", Method: db.MethodFlash}
	resp, err := h.run(context.Background(), req)

	assert.ErrorIs(t, err, errors.ErrConnectionFailed)
	assert.Equal(t, "ConnectionFailed", resp.ErrorKind)
	h.flasher.AssertNumberOfCalls(t, "ProbeAvailable", 1)
	h.flasher.AssertNotCalled(t, "Flash", mock.Anything)
	assert.Nil(t, h.flasher.flashed)

	rec, err := h.repo.GetByRunID("run-no-probe")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, db.StatusFailed, rec.Status)
}

func TestTransferUnknownMethod(t *testing.T) {
	h := newHarness(t)
	err := h.m.Transfer(context.Background(), &ProvisionRequest{Method: "bluetooth"}, &ProvisionResponse{})
	assert.ErrorIs(t, err, errors.ErrInvalid)
}

func TestCheckProbeHealth(t *testing.T) {
	h := newHarness(t)
	h.flasher.On("ProbeAvailable").Return(true).Once()
	h.flasher.On("ProbeAvailable").Return(false).Once()

	assert.Equal(t, "ok", h.m.CheckProbeHealth(context.Background()))
	assert.Equal(t, "not_attached", h.m.CheckProbeHealth(context.Background()))
}
