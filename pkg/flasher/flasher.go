// Package flasher programs firmware images onto boards through a debug probe.
package flasher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hubblenetwork/hubbledemo/pkg/elfpatch"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/jlink"
)

// Probe is a debug probe session.
type Probe interface {
	Open(ctx context.Context) error
	SelectInterface(iface string) error
	Connect(device string, speedKHz int) error
	Halt() error
	Erase() error
	FlashFile(path string) error
	Reset() error
	Close() error
	// Count reports the number of attached probes without opening a session.
	Count(ctx context.Context) (int, error)
}

var boards = map[string]string{
	"nrf52dk":        "nRF52832_xxAA",
	"nrf52840dk":     "nRF52840_xxAA",
	"nrf21540dk":     "nRF52840_xxAA",
	"xg24_ek2703a":   "EFR32MG24BxxxF1536",
	"xg22_ek4108a":   "EFR32MG22CxxxF512",
	"lp_em_cc2340r5": "CC2340R5",
}

// Board pairs a board name with the probe part it is flashed as.
type Board struct {
	Name   string
	Device string
}

// Boards returns the supported boards sorted by name.
func Boards() []Board {
	list := make([]Board, 0, len(boards))
	for name, device := range boards {
		list = append(list, Board{Name: name, Device: device})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// DeviceFor returns the probe part for board. Lookup ignores case and
// surrounding whitespace.
func DeviceFor(board string) (string, error) {
	device, ok := boards[strings.ToLower(strings.TrimSpace(board))]
	if !ok {
		return "", fmt.Errorf("%w: %q", errors.ErrUnsupported, board)
	}
	return device, nil
}

// Config controls how the target is programmed.
type Config struct {
	// AcceptUnsecure mass-erases the target before loading, which unlocks
	// parts that have readback protection enabled. The erase is issued on
	// every flash, including parts that are not protected.
	AcceptUnsecure bool
	SpeedKHz       int
	// TempDir holds the transient image file; empty means os.TempDir.
	TempDir string
}

// Flasher writes images through probes created by newProbe.
type Flasher struct {
	cfg      Config
	newProbe func() Probe
}

// New creates a Flasher that opens a fresh probe session for every call.
func New(cfg Config, newProbe func() Probe) *Flasher {
	if cfg.SpeedKHz <= 0 {
		cfg.SpeedKHz = jlink.DefaultSpeedKHz
	}
	return &Flasher{cfg: cfg, newProbe: newProbe}
}

// NewJLink creates a Flasher backed by J-Link Commander at path.
func NewJLink(cfg Config, path string) *Flasher {
	return New(cfg, func() Probe {
		return jlink.NewCommander(path)
	})
}

// Flash programs image onto the board and resets it. Any probe failure is
// reported as errors.ErrFlashFailed wrapping the cause. The probe session is
// closed and the temporary file removed on every path.
func (f *Flasher) Flash(ctx context.Context, image []byte, board string) error {
	device, err := DeviceFor(board)
	if err != nil {
		return err
	}

	segments, err := elfpatch.NewImage(image).LoadSegments()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("%w: image has no loadable segments", errors.ErrInvalid)
	}

	slog.Info("flash_start",
		"board", board,
		"device", device,
		"size", humanize.IBytes(uint64(len(image))),
		"segments", len(segments),
	)

	path, err := f.writeTemp(image)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("flash_temp_remove_failed", "path", path, "error", err)
		}
	}()

	probe := f.newProbe()
	if err := probe.Open(ctx); err != nil {
		return flashFailed("open", err)
	}
	defer func() {
		if err := probe.Close(); err != nil {
			slog.Warn("probe_close_failed", "error", err)
		}
	}()

	if err := probe.SelectInterface(jlink.InterfaceSWD); err != nil {
		return flashFailed("select interface", err)
	}
	if err := probe.Connect(device, f.cfg.SpeedKHz); err != nil {
		return flashFailed("connect "+device, err)
	}
	if err := probe.Halt(); err != nil {
		return flashFailed("halt", err)
	}

	for _, seg := range segments {
		slog.Info("flash_segment",
			"addr", fmt.Sprintf("0x%08x", seg.Addr),
			"size", humanize.IBytes(seg.FileSize),
		)
	}

	if f.cfg.AcceptUnsecure {
		slog.Info("flash_mass_erase", "device", device)
		if err := probe.Erase(); err != nil {
			return flashFailed("erase", err)
		}
	}
	if err := probe.FlashFile(path); err != nil {
		return flashFailed("load", err)
	}
	if err := probe.Reset(); err != nil {
		return flashFailed("reset", err)
	}

	slog.Info("flash_complete", "board", board, "device", device)
	return nil
}

// ProbeAvailable reports whether at least one probe is attached.
func (f *Flasher) ProbeAvailable(ctx context.Context) bool {
	n, err := f.newProbe().Count(ctx)
	if err != nil {
		slog.Warn("probe_count_failed", "error", err)
		return false
	}
	return n > 0
}

func (f *Flasher) writeTemp(image []byte) (string, error) {
	tmp, err := os.CreateTemp(f.cfg.TempDir, "hubbledemo-*.elf")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp image")
	}

	if _, err := io.Copy(tmp, bytes.NewReader(image)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "failed to write temp image")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "failed to close temp image")
	}
	return tmp.Name(), nil
}

func flashFailed(step string, err error) error {
	slog.Error("flash_failed", "step", step, "error", err)
	return fmt.Errorf("%w: %s: %w", errors.ErrFlashFailed, step, err)
}
