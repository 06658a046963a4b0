package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/superfly/fsm"

	"github.com/hubblenetwork/hubbledemo/internal/config"
	"github.com/hubblenetwork/hubbledemo/pkg/artifact"
	"github.com/hubblenetwork/hubbledemo/pkg/db"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/flasher"
	appfsm "github.com/hubblenetwork/hubbledemo/pkg/fsm"
	"github.com/hubblenetwork/hubbledemo/pkg/jlink"
	"github.com/hubblenetwork/hubbledemo/pkg/registry"
	"github.com/hubblenetwork/hubbledemo/pkg/security"
	"github.com/hubblenetwork/hubbledemo/pkg/serial"
)

const registryTimeout = 30 * time.Second

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed by the pipeline commands)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory (only needed by the pipeline commands)
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func newFetcher(cfg *config.Config) *artifact.Fetcher {
	return artifact.NewFetcher(artifact.Config{
		LocalFile:   cfg.ELFFile,
		BaseURL:     cfg.ELFURLOverride,
		Timeout:     cfg.FetchTimeout,
		MaxAttempts: cfg.FetchMaxAttempts,
		S3Region:    cfg.S3Region,
	}, security.NewValidator(cfg.MaxImageSize))
}

func newFlasher(cfg *config.Config) *flasher.Flasher {
	return flasher.NewJLink(flasher.Config{AcceptUnsecure: cfg.AcceptUnsecure}, cfg.JLinkPath)
}

func newProvisioner(cfg *config.Config) *serial.Provisioner {
	return serial.NewProvisioner(jlink.NewCommander(cfg.JLinkPath))
}

func newRegistrar(cfg *config.Config) registry.Registrar {
	if cfg.RegistryURL == "" {
		slog.Warn("registry_local", "reason", "no registry-url configured")
		return registry.NewLocal()
	}
	return registry.NewClient(cfg.RegistryURL, cfg.RegistryToken, registryTimeout)
}

// runPipeline drives one provisioning run through the state machine and
// reports the stored outcome.
func runPipeline(ctx context.Context, req *appfsm.ProvisionRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(appfsm.Deps{
		Store:       repo,
		Registrar:   newRegistrar(cfg),
		Fetcher:     newFetcher(cfg),
		Flasher:     newFlasher(cfg),
		Provisioner: newProvisioner(cfg),
	}, cfg.WorkDir, cfg.FSMMaxRetries)

	start, _, err := machine.Build(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req.RunID = uuid.New().String()
	resp := &appfsm.ProvisionResponse{}

	version, err := start(ctx, req.RunID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "run_id", req.RunID, "version", version)

	waitErr := manager.Wait(ctx, version)

	rec, err := repo.GetByRunID(req.RunID)
	if err != nil {
		return errors.Wrap(err, "failed to load device record")
	}
	if rec != nil && rec.Status == db.StatusFailed {
		return fmt.Errorf("%s: %s (device %s, board %s)", rec.ErrorKind, rec.ErrorMessage, rec.DeviceID, rec.Board)
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}
	if rec == nil {
		return fmt.Errorf("run %s finished without a device record", req.RunID)
	}

	fmt.Printf("Device ID:  %s\n", rec.DeviceID)
	fmt.Printf("Device Key: %s\n", rec.DeviceKey)
	fmt.Printf("%s successfully provisioned (%s)\n", rec.Board, rec.Method)
	return nil
}
