// Package serial delivers a device key and the current time to a freshly
// reset board over its UART.
//
// The device firmware reads the frame one byte at a time, so every byte is
// written on its own and followed by a short pause. Nothing is read back.
package serial

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	bugst "go.bug.st/serial"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

const (
	// KeySize is the only key length the firmware accepts.
	KeySize  = 32
	BaudRate = 115200

	DefaultPace   = 50 * time.Millisecond
	DefaultSettle = 3 * time.Second
)

// Port is an open serial line.
type Port interface {
	io.Writer
	ResetInputBuffer() error
	Close() error
}

// PortOpener opens the named port at 115200 8N1.
type PortOpener func(name string) (Port, error)

// Resetter resets a target so it boots into its key listener.
type Resetter interface {
	ResetDevice(ctx context.Context, device string) error
}

// Clock is the part of clock.Clock the provisioner waits on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// OpenPort opens name through the host's serial driver.
func OpenPort(name string) (Port, error) {
	return bugst.Open(name, &bugst.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
}

// TimestampFrame is the wire form of a timestamp: decimal milliseconds and a
// newline.
func TimestampFrame(ms uint64) []byte {
	return []byte(strconv.FormatUint(ms, 10) + "\n")
}

// DecodeKey turns the user-supplied key into bytes: standard base64 when
// isBase64 is set, otherwise the UTF-8 bytes of s.
func DecodeKey(s string, isBase64 bool) ([]byte, error) {
	if !isBase64 {
		return []byte(s), nil
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: key is not base64: %w", errors.ErrInvalid, err)
	}
	return key, nil
}

// Provisioner writes keys to devices over serial.
type Provisioner struct {
	resetter Resetter
	open     PortOpener
	clock    Clock
	pace     time.Duration
	settle   time.Duration
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithPortOpener replaces OpenPort.
func WithPortOpener(open PortOpener) Option {
	return func(p *Provisioner) {
		p.open = open
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Provisioner) {
		p.clock = c
	}
}

// NewProvisioner creates a Provisioner that resets targets through resetter.
func NewProvisioner(resetter Resetter, opts ...Option) *Provisioner {
	p := &Provisioner{
		resetter: resetter,
		open:     OpenPort,
		clock:    clock.WallClock,
		pace:     DefaultPace,
		settle:   DefaultSettle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Provision resets the device, waits for it to boot, and sends key followed
// by the current time. The port is closed on every path once opened.
func (p *Provisioner) Provision(ctx context.Context, key []byte, port, deviceType string) error {
	slog.Info("serial_provision_start", "port", port, "device", deviceType)

	if err := p.resetter.ResetDevice(ctx, deviceType); err != nil {
		return err
	}

	slog.Info("serial_reset_settle", "delay", p.settle.String())
	if err := p.sleep(ctx, p.settle); err != nil {
		return err
	}

	if len(key) != KeySize {
		return fmt.Errorf("%w: key is %d bytes, need %d", errors.ErrInvalidKeySize, len(key), KeySize)
	}

	conn, err := p.open(port)
	if err != nil {
		slog.Error("serial_open_failed", "port", port, "error", err)
		return fmt.Errorf("%w: open %s: %w", errors.ErrSerial, port, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("serial_close_failed", "port", port, "error", err)
		}
	}()

	if err := conn.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", errors.ErrSerial, port, err)
	}

	sent, err := p.writePaced(ctx, conn, key)
	if err != nil {
		return fmt.Errorf("%w: key write to %s failed after %d of %d bytes: %w", errors.ErrSerial, port, sent, len(key), err)
	}
	slog.Info("serial_key_sent", "port", port, "bytes", sent)

	ms := uint64(p.clock.Now().UnixMilli())
	frame := TimestampFrame(ms)
	sent, err = p.writePaced(ctx, conn, frame)
	if err != nil {
		return fmt.Errorf("%w: time write to %s failed after %d of %d bytes: %w", errors.ErrSerial, port, sent, len(frame), err)
	}

	slog.Info("serial_provision_complete", "port", port, "utc_ms", ms)
	return nil
}

func (p *Provisioner) writePaced(ctx context.Context, w io.Writer, data []byte) (int, error) {
	for i := range data {
		if _, err := w.Write(data[i : i+1]); err != nil {
			return i, err
		}
		if err := p.sleep(ctx, p.pace); err != nil {
			return i + 1, err
		}
	}
	return len(data), nil
}

func (p *Provisioner) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}
