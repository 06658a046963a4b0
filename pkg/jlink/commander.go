// Package jlink drives SEGGER J-Link Commander (JLinkExe) as a subprocess.
//
// A Commander holds one interactive session: commands are written to the
// process's stdin one per line and each is considered finished when the
// "J-Link>" prompt comes back. The one-shot helpers (Count, ResetDevice) pipe a
// whole script through a fresh process instead.
package jlink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

const (
	// DefaultPath is looked up on PATH when no binary is configured.
	DefaultPath = "JLinkExe"
	// Prompt terminates the output of every interactive command.
	Prompt = "J-Link>"
	// DefaultSpeedKHz is the SWD clock used for every target.
	DefaultSpeedKHz = 4000
	// InterfaceSWD selects serial wire debug.
	InterfaceSWD = "SWD"

	closeTimeout = 5 * time.Second
)

var (
	// ErrNotOpen is returned by session commands before Open or after Close.
	ErrNotOpen = errors.New("jlink session not open")
	// ErrSessionEnded means JLinkExe exited before printing its prompt.
	ErrSessionEnded = errors.New("jlink session ended")

	emulatorLine = regexp.MustCompile(`(?m)^J-Link\[\d+\]:`)
	failureWords = []string{"error", "failed", "cannot"}
)

// CommandError is a command that JLinkExe rejected.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := lastLine(e.Output)
	if e.Err != nil {
		if msg == "" {
			return fmt.Sprintf("jlink %q: %v", e.Command, e.Err)
		}
		return fmt.Sprintf("jlink %q: %v (%s)", e.Command, e.Err, msg)
	}
	return fmt.Sprintf("jlink %q: %s", e.Command, msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Commander is a J-Link Commander session. The zero value is not usable; use
// NewCommander.
type Commander struct {
	path string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// NewCommander returns a closed session for the JLinkExe binary at path.
func NewCommander(path string) *Commander {
	if path == "" {
		path = DefaultPath
	}
	return &Commander{path: path}
}

// Open starts JLinkExe and waits for its first prompt. The process is killed
// if ctx is cancelled before Close.
func (c *Commander) Open(ctx context.Context) error {
	if c.cmd != nil {
		return fmt.Errorf("jlink session already open")
	}

	slog.Info("jlink_open", "path", c.path)

	cmd := exec.CommandContext(ctx, c.path, "-NoGui", "1", "-ExitOnError", "1")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		slog.Error("jlink_start_failed", "path", c.path, "error", err)
		return errors.Wrap(err, "failed to start J-Link Commander")
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)

	if out, err := c.await(); err != nil {
		c.kill()
		return &CommandError{Command: "open", Output: out, Err: err}
	}

	slog.Info("jlink_ready", "pid", cmd.Process.Pid)
	return nil
}

// SelectInterface selects the target interface, normally InterfaceSWD.
func (c *Commander) SelectInterface(iface string) error {
	_, err := c.exec("si " + iface)
	return err
}

// Connect selects the target part and attaches to it.
func (c *Commander) Connect(device string, speedKHz int) error {
	if _, err := c.exec("device " + device); err != nil {
		return err
	}
	if _, err := c.exec(fmt.Sprintf("speed %d", speedKHz)); err != nil {
		return err
	}
	_, err := c.exec("connect")
	return err
}

// Halt stops the target CPU.
func (c *Commander) Halt() error {
	_, err := c.exec("h")
	return err
}

// Erase mass-erases the target, which also clears readback protection.
func (c *Commander) Erase() error {
	_, err := c.exec("erase")
	return err
}

// FlashFile programs an ELF or HEX file at the load addresses it carries.
func (c *Commander) FlashFile(path string) error {
	_, err := c.exec("loadfile " + path)
	return err
}

// Reset resets the target and lets it run.
func (c *Commander) Reset() error {
	if _, err := c.exec("r"); err != nil {
		return err
	}
	_, err := c.exec("g")
	return err
}

// Close quits JLinkExe. It is safe to call on a closed session.
func (c *Commander) Close() error {
	if c.cmd == nil {
		return nil
	}
	defer c.reset()

	io.WriteString(c.stdin, "qc\n")
	c.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Debug("jlink_exit", "error", err)
		}
		slog.Info("jlink_closed")
		return nil
	case <-time.After(closeTimeout):
		c.cmd.Process.Kill()
		<-done
		slog.Warn("jlink_close_timeout", "timeout", closeTimeout.String())
		return fmt.Errorf("jlink did not exit within %s", closeTimeout)
	}
}

// Count reports how many probes are attached to the host.
func (c *Commander) Count(ctx context.Context) (int, error) {
	out, err := c.run(ctx, "ShowEmuList\nexit\n")
	if err != nil {
		return 0, errors.Wrap(err, "failed to list probes")
	}
	n := len(emulatorLine.FindAllString(out, -1))
	slog.Info("jlink_probes", "count", n)
	return n, nil
}

// ResetDevice resets the target through a one-shot JLinkExe run. A nonzero
// exit status is reported as errors.ErrResetFailed.
func (c *Commander) ResetDevice(ctx context.Context, device string) error {
	slog.Info("jlink_reset_device", "device", device)

	script := fmt.Sprintf("connect\n%s\nS\n%d\nReset\nexit\n", device, DefaultSpeedKHz)
	if _, err := c.run(ctx, script); err != nil {
		slog.Error("jlink_reset_failed", "device", device, "error", err)
		return errors.Mark(errors.ErrResetFailed, err)
	}
	return nil
}

func (c *Commander) run(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, c.path)
	cmd.Stdin = strings.NewReader(script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &CommandError{Command: strings.Fields(script)[0], Output: string(out), Err: err}
	}
	return string(out), nil
}

func (c *Commander) exec(command string) (string, error) {
	if c.cmd == nil {
		return "", ErrNotOpen
	}

	slog.Debug("jlink_command", "command", command)

	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return "", &CommandError{Command: command, Err: err}
	}
	out, err := c.await()
	if err != nil {
		return out, &CommandError{Command: command, Output: out, Err: err}
	}
	if failed(out) {
		slog.Error("jlink_command_failed", "command", command, "output", lastLine(out))
		return out, &CommandError{Command: command, Output: out}
	}
	return out, nil
}

// await reads output up to and excluding the next prompt.
func (c *Commander) await() (string, error) {
	var buf strings.Builder
	for {
		b, err := c.stdout.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = ErrSessionEnded
			}
			return buf.String(), err
		}
		buf.WriteByte(b)
		if strings.HasSuffix(buf.String(), Prompt) {
			return strings.TrimSuffix(buf.String(), Prompt), nil
		}
	}
}

func (c *Commander) kill() {
	c.stdin.Close()
	c.cmd.Process.Kill()
	c.cmd.Wait()
	c.reset()
}

func (c *Commander) reset() {
	c.cmd = nil
	c.stdin = nil
	c.stdout = nil
}

func failed(out string) bool {
	lower := strings.ToLower(out)
	for _, w := range failureWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
