package fsm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/superfly/fsm"

	"github.com/hubblenetwork/hubbledemo/pkg/artifact"
	"github.com/hubblenetwork/hubbledemo/pkg/db"
	"github.com/hubblenetwork/hubbledemo/pkg/elfpatch"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/flasher"
	"github.com/hubblenetwork/hubbledemo/pkg/registry"
)

// Store persists device records.
type Store interface {
	Create(dev *db.Device) error
	GetByRunID(runID string) (*db.Device, error)
	Update(dev *db.Device) error
	UpdateStatus(id int64, status, errorKind, errorMessage string) error
}

// Fetcher retrieves board images.
type Fetcher interface {
	Fetch(ctx context.Context, board string) (*artifact.Image, error)
}

// Flasher programs images through a debug probe.
type Flasher interface {
	Flash(ctx context.Context, image []byte, board string) error
	ProbeAvailable(ctx context.Context) bool
}

// Provisioner sends keys over serial.
type Provisioner interface {
	Provision(ctx context.Context, key []byte, port, deviceType string) error
}

// Clock supplies the provisioning timestamp.
type Clock interface {
	Now() time.Time
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Store       Store
	Registrar   registry.Registrar
	Fetcher     Fetcher
	Flasher     Flasher
	Provisioner Provisioner
	// Clock defaults to the wall clock.
	Clock Clock
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	Deps
	workDir    string
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(deps Deps, workDir string, maxRetries int) *Machine {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	return &Machine{
		Deps:       deps,
		workDir:    workDir,
		maxRetries: maxRetries,
	}
}

type step func(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error

// handler adapts a step to the FSM. A failed step marks the record failed
// and aborts the run; nothing is retried across steps.
func (m *Machine) handler(state string, s step) func(context.Context, *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
	return func(ctx context.Context, req *fsm.Request[ProvisionRequest, ProvisionResponse]) (*fsm.Response[ProvisionResponse], error) {
		slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID, "board", req.Msg.Board)

		resp := req.W.Msg
		if resp == nil {
			resp = &ProvisionResponse{}
		}

		// Check retry limit
		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "state", state, "max_retries", m.maxRetries)
			err := fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, state)
			m.fail(resp, err)
			return nil, fsm.Abort(err)
		}

		if err := s(ctx, req.Msg, resp); err != nil {
			slog.Error("fsm_state_failed",
				"run_id", req.Msg.RunID,
				"state", state,
				"board", req.Msg.Board,
				"kind", errors.Kind(err),
				"error", err,
			)
			m.fail(resp, err)
			return nil, fsm.Abort(err)
		}

		return fsm.NewResponse(resp), nil
	}
}

// Register obtains a device identity and creates its record. A run that
// already has a record reuses it.
func (m *Machine) Register(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	existing, err := m.Store.GetByRunID(req.RunID)
	if err != nil {
		return errors.Wrap(err, "database error")
	}
	if existing != nil {
		slog.Info("device_record_reused", "run_id", req.RunID, "device_id", existing.DeviceID, "status", existing.Status)
		resp.RecordID = existing.ID
		resp.DeviceID = existing.DeviceID
		return nil
	}

	dev, err := m.Registrar.Register(ctx, req.Name)
	if err != nil {
		return errors.Wrap(err, "device registration failed")
	}

	rec := &db.Device{
		RunID:     req.RunID,
		DeviceID:  dev.ID,
		Name:      req.Name,
		Board:     req.Board,
		Method:    req.Method,
		DeviceKey: base64.StdEncoding.EncodeToString(dev.Key),
		Status:    db.StatusRegistered,
	}
	if err := m.Store.Create(rec); err != nil {
		return errors.Wrap(err, "failed to create device record")
	}

	slog.Info("device_registered", "run_id", req.RunID, "device_id", dev.ID, "name", req.Name)
	resp.RecordID = rec.ID
	resp.DeviceID = rec.DeviceID
	resp.Status = rec.Status
	return nil
}

// Fetch retrieves the board image into the work directory.
func (m *Machine) Fetch(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if req.Method == db.MethodSerial {
		slog.Info("fetch_skipped", "run_id", req.RunID, "method", req.Method)
		return nil
	}

	rec, err := m.record(req.RunID)
	if err != nil {
		return err
	}

	img, err := m.Fetcher.Fetch(ctx, req.Board)
	if err != nil {
		return errors.Wrap(err, "image retrieval failed")
	}

	path, err := m.writeImage(resp.DeviceID+".elf", img.Data)
	if err != nil {
		return err
	}

	rec.ImageSHA256 = img.SHA256
	rec.Status = db.StatusFetched
	if err := m.Store.Update(rec); err != nil {
		return errors.Wrap(err, "failed to update device record")
	}

	resp.ImagePath = path
	resp.ImageSHA256 = img.SHA256
	resp.Status = rec.Status
	return nil
}

// Patch writes the device key and current time into the fetched image.
func (m *Machine) Patch(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	if req.Method == db.MethodSerial {
		slog.Info("patch_skipped", "run_id", req.RunID, "method", req.Method)
		return nil
	}

	rec, err := m.record(req.RunID)
	if err != nil {
		return err
	}
	key, err := decodeKey(rec)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(resp.ImagePath)
	if err != nil {
		return errors.Wrap(err, "failed to read fetched image")
	}

	ms := uint64(m.Clock.Now().UnixMilli())
	img := elfpatch.NewImage(data)
	if err := img.ProvisionDevice(key, ms); err != nil {
		return errors.Wrap(err, "image patch failed")
	}

	path, err := m.writeImage(resp.DeviceID+".patched.elf", img.Bytes())
	if err != nil {
		return err
	}

	if err := m.Store.UpdateStatus(rec.ID, db.StatusPatched, "", ""); err != nil {
		return errors.Wrap(err, "failed to update status")
	}

	slog.Info("image_patched", "run_id", req.RunID, "device_id", rec.DeviceID, "utc_ms", ms)
	resp.PatchedPath = path
	resp.UTCMillis = ms
	resp.Status = db.StatusPatched
	return nil
}

// Transfer delivers the key to the device: by flashing the patched image or
// over the serial line.
func (m *Machine) Transfer(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	switch req.Method {
	case db.MethodFlash:
		if health := m.CheckProbeHealth(ctx); health != "ok" {
			return fmt.Errorf("%w: debug probe %s", errors.ErrConnectionFailed, health)
		}
		data, err := os.ReadFile(resp.PatchedPath)
		if err != nil {
			return errors.Wrap(err, "failed to read patched image")
		}
		if err := m.Flasher.Flash(ctx, data, req.Board); err != nil {
			return errors.Wrap(err, "flashing failed")
		}

	case db.MethodSerial:
		rec, err := m.record(req.RunID)
		if err != nil {
			return err
		}
		key, err := decodeKey(rec)
		if err != nil {
			return err
		}

		deviceType := req.DeviceType
		if deviceType == "" {
			if deviceType, err = flasher.DeviceFor(req.Board); err != nil {
				return err
			}
		}
		if err := m.Provisioner.Provision(ctx, key, req.Port, deviceType); err != nil {
			return errors.Wrap(err, "serial provisioning failed")
		}

	default:
		return fmt.Errorf("%w: transfer method %q", errors.ErrInvalid, req.Method)
	}

	slog.Info("transfer_complete", "run_id", req.RunID, "method", req.Method, "board", req.Board)
	return nil
}

// Complete removes the work files and marks the device provisioned.
func (m *Machine) Complete(ctx context.Context, req *ProvisionRequest, resp *ProvisionResponse) error {
	for _, p := range []string{resp.ImagePath, resp.PatchedPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("work_file_remove_failed", "path", p, "error", err)
		}
	}

	if err := m.Store.UpdateStatus(resp.RecordID, db.StatusProvisioned, "", ""); err != nil {
		return errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusProvisioned

	slog.Info("fsm_complete", "run_id", req.RunID, "device_id", resp.DeviceID, "status", resp.Status)
	return nil
}

func (m *Machine) fail(resp *ProvisionResponse, cause error) {
	resp.Status = db.StatusFailed
	resp.ErrorKind = errors.Kind(cause)
	resp.ErrorMessage = cause.Error()

	if resp.RecordID == 0 {
		return
	}
	if err := m.Store.UpdateStatus(resp.RecordID, db.StatusFailed, resp.ErrorKind, resp.ErrorMessage); err != nil {
		slog.Error("status_update_failed", "record_id", resp.RecordID, "status", db.StatusFailed, "error", err)
	}
}

func (m *Machine) record(runID string) (*db.Device, error) {
	rec, err := m.Store.GetByRunID(runID)
	if err != nil {
		return nil, errors.Wrap(err, "database error")
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no device record for run %s", errors.ErrNotFound, runID)
	}
	return rec, nil
}

func (m *Machine) writeImage(name string, data []byte) (string, error) {
	dir := filepath.Join(m.workDir, "images")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("image_dir_creation_failed", "path", dir, "error", err)
		return "", errors.Wrap(err, "failed to create image dir")
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errors.Wrap(err, "failed to write image")
	}
	return path, nil
}

func decodeKey(rec *db.Device) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(rec.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: stored key for %s: %w", errors.ErrInvalid, rec.DeviceID, err)
	}
	return key, nil
}
