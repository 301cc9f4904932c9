// Package loader is a client for the Espressif ROM bootloader and the
// flasher stubs that replace it in RAM.
package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/espprobe/internal/chip"
	"github.com/bigbag/espprobe/internal/protocol"
	"github.com/bigbag/espprobe/internal/transport"
)

const (
	DefaultCommandTimeout = 3 * time.Second
	DefaultSyncAttempts   = 10

	syncTimeout     = 100 * time.Millisecond
	syncDrainFrames = 7
	// maxStrayFrames bounds how many unrelated frames a command skips while
	// waiting for its own response.
	maxStrayFrames = 100
	// stubStatusLen is the status length of every flasher stub.
	stubStatusLen  = 2
	stubGreeting   = "OHAI"
	baudSettleTime = 50 * time.Millisecond
)

// ProgressCallback is called to report upload progress in blocks.
type ProgressCallback func(current, total int)

// Option configures a Loader.
type Option func(*Loader)

// WithCommandTimeout sets the default response timeout of a command.
func WithCommandTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.timeout = d
	}
}

// WithSyncAttempts sets how many SYNC requests Sync sends before giving up.
func WithSyncAttempts(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.syncAttempts = n
		}
	}
}

// WithRegistry replaces the registry used by DetectChip.
func WithRegistry(r *chip.Registry) Option {
	return func(l *Loader) {
		l.registry = r
	}
}

// WithProgress sets the upload progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(l *Loader) {
		l.progress = cb
	}
}

// Loader drives one bootloader over a transport session.
type Loader struct {
	session      *transport.Session
	registry     *chip.Registry
	timeout      time.Duration
	syncAttempts int
	progress     ProgressCallback

	// statusLen is zero until the chip is known; responses are then decoded
	// as carrying no payload.
	statusLen   int
	chip        chip.Descriptor
	stubRunning bool
}

// New creates a Loader on a connected session.
func New(session *transport.Session, opts ...Option) *Loader {
	l := &Loader{
		session:      session,
		registry:     chip.Default(),
		timeout:      DefaultCommandTimeout,
		syncAttempts: DefaultSyncAttempts,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetProgressCallback sets the progress callback function.
func (l *Loader) SetProgressCallback(cb ProgressCallback) {
	l.progress = cb
}

func (l *Loader) reportProgress(current, total int) {
	if l.progress != nil {
		l.progress(current, total)
	}
}

// Session returns the underlying transport session.
func (l *Loader) Session() *transport.Session {
	return l.session
}

// Chip returns the detected chip, or nil before DetectChip.
func (l *Loader) Chip() chip.Descriptor {
	return l.chip
}

// StubRunning reports whether a flasher stub answered after RunStub.
func (l *Loader) StubRunning() bool {
	return l.stubRunning
}

// BaudRate returns the baud rate of the link.
func (l *Loader) BaudRate() int {
	return l.session.BaudRate()
}

// Connect resets the chip into the bootloader, synchronises and detects the
// chip family.
func (l *Loader) Connect(ctx context.Context, mode ResetMode) (chip.Descriptor, error) {
	if err := l.Reset(ctx, mode); err != nil {
		return nil, errors.Annotatef(err, "failed to reset into bootloader")
	}
	if err := l.Sync(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to sync with bootloader")
	}
	d, err := l.DetectChip(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to detect chip")
	}
	return d, nil
}

// Sync sends SYNC until the bootloader answers, then drains the extra
// replies the ROM sends for one request.
func (l *Loader) Sync(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < l.syncAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.session.Flush(); err != nil {
			return errors.Annotatef(err, "failed to flush input")
		}

		resp, err := l.command(ctx, protocol.CmdSync, protocol.SyncData(), 0, syncTimeout, l.statusLen)
		if err == nil && resp.IsSuccess() {
			for i := 0; i < syncDrainFrames; i++ {
				if _, err := l.session.Read(ctx, syncTimeout, 0); err != nil {
					break
				}
			}
			glog.V(1).Infof("Synced with bootloader after %d attempt(s)", attempt+1)
			return nil
		}
		if err == nil {
			err = newCommandError(protocol.CmdSync, resp)
		}
		lastErr = err
		glog.V(2).Infof("Sync attempt %d failed: %v", attempt+1, err)
	}
	return errors.Annotatef(lastErr, "sync failed after %d attempts", l.syncAttempts)
}

// Command sends one request and waits for the response with the same
// opcode. Frames that do not decode or answer another command are skipped.
// A timeout of zero selects the loader default.
func (l *Loader) Command(ctx context.Context, op byte, data []byte, chk uint32, timeout time.Duration) (*protocol.Response, error) {
	return l.command(ctx, op, data, chk, timeout, l.statusLen)
}

// CheckCommand is Command that also requires a success status.
func (l *Loader) CheckCommand(ctx context.Context, op byte, data []byte, chk uint32, timeout time.Duration) (*protocol.Response, error) {
	resp, err := l.Command(ctx, op, data, chk, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, newCommandError(op, resp)
	}
	return resp, nil
}

func (l *Loader) command(ctx context.Context, op byte, data []byte, chk uint32, timeout time.Duration, statusLen int) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = l.timeout
	}

	req := &protocol.Request{Command: op, Data: data, Checksum: chk}
	if err := l.session.Write(ctx, req.Encode()); err != nil {
		return nil, err
	}

	for i := 0; i < maxStrayFrames; i++ {
		frame, err := l.session.Read(ctx, timeout, 0)
		if err != nil {
			return nil, err
		}

		resp, err := protocol.DecodeResponse(frame, statusLen)
		if err != nil {
			glog.V(2).Infof("Skipping invalid frame waiting for %s: %v", protocol.CommandName(op), err)
			continue
		}
		if resp.Command != op {
			glog.V(2).Infof("Skipping %s response waiting for %s", protocol.CommandName(resp.Command), protocol.CommandName(op))
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("no %s response within %d frames", protocol.CommandName(op), maxStrayFrames)
}

// ReadReg reads a 32-bit register.
func (l *Loader) ReadReg(ctx context.Context, addr uint32) (uint32, error) {
	resp, err := l.CheckCommand(ctx, protocol.CmdReadReg, protocol.ReadRegData(addr), 0, 0)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteReg writes a whole 32-bit register.
func (l *Loader) WriteReg(ctx context.Context, addr, value uint32) error {
	return l.WriteRegMasked(ctx, addr, value, 0xFFFFFFFF, 0)
}

// WriteRegMasked writes the bits of value selected by mask, then waits
// delayUs microseconds on the chip.
func (l *Loader) WriteRegMasked(ctx context.Context, addr, value, mask, delayUs uint32) error {
	_, err := l.CheckCommand(ctx, protocol.CmdWriteReg, protocol.WriteRegData(addr, value, mask, delayUs), 0, 0)
	return err
}

// GetSecurityInfo queries the security state. ROMs that predate the command
// answer with a failure status.
func (l *Loader) GetSecurityInfo(ctx context.Context) (*protocol.SecurityInfo, error) {
	// the reply carries a payload, so the status length cannot be inferred
	statusLen := l.statusLen
	if statusLen == 0 {
		statusLen = 4
	}
	resp, err := l.command(ctx, protocol.CmdGetSecurityInfo, nil, 0, 0, statusLen)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, newCommandError(protocol.CmdGetSecurityInfo, resp)
	}
	return protocol.ParseSecurityInfo(resp.Data)
}

// DetectChip identifies the chip family, first by the chip ID in the
// security info and then by the chip-detect magic register.
func (l *Loader) DetectChip(ctx context.Context) (chip.Descriptor, error) {
	d, err := l.detectBySecurityInfo(ctx)
	if err != nil {
		glog.V(1).Infof("Security info detection failed, reading magic register: %v", err)

		magic, err := l.ReadReg(ctx, protocol.ChipDetectMagicRegAddr)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to read chip magic register")
		}
		if d, err = l.registry.ByMagic(magic); err != nil {
			return nil, err
		}
	}

	l.chip = d
	if !l.stubRunning {
		l.statusLen = d.ROMStatusLen()
	}
	glog.V(1).Infof("Detected %s", d.Name())
	return d, nil
}

func (l *Loader) detectBySecurityInfo(ctx context.Context) (chip.Descriptor, error) {
	info, err := l.GetSecurityInfo(ctx)
	if err != nil {
		return nil, err
	}
	if !info.HasChipID {
		return nil, errors.Errorf("security info carries no chip ID")
	}
	return l.registry.ByImageChipID(info.ChipID)
}

// SpiAttach attaches the SPI flash with the default pin configuration.
func (l *Loader) SpiAttach(ctx context.Context) error {
	_, err := l.CheckCommand(ctx, protocol.CmdSpiAttach, protocol.SpiAttachData(), 0, 0)
	if err != nil {
		return errors.Annotatef(err, "failed to attach SPI flash")
	}
	return nil
}

// ChangeBaud switches both the chip and the session to baud.
func (l *Loader) ChangeBaud(ctx context.Context, baud int) error {
	var oldBaud uint32
	if l.stubRunning {
		oldBaud = uint32(l.session.BaudRate())
	}

	if _, err := l.CheckCommand(ctx, protocol.CmdChangeBaudrate, protocol.ChangeBaudData(uint32(baud), oldBaud), 0, 0); err != nil {
		return errors.Annotatef(err, "failed to request baud rate %d", baud)
	}
	if err := l.session.SetBaudRate(baud); err != nil {
		return errors.Trace(err)
	}
	if err := sleep(ctx, baudSettleTime); err != nil {
		return err
	}
	return errors.Trace(l.session.Flush())
}

// RunStub uploads stub to RAM, starts it and waits for its greeting.
// Progress is reported per uploaded block.
func (l *Loader) RunStub(ctx context.Context, stub *chip.Stub) error {
	segments := []struct {
		name   string
		offset uint32
		data   []byte
	}{
		{"text", stub.TextStart, stub.Text},
		{"data", stub.DataStart, stub.Data},
	}

	total := 0
	for _, seg := range segments {
		total += int(protocol.CalculateBlocks(len(seg.data), protocol.RAMBlockSize))
	}

	done := 0
	for _, seg := range segments {
		if len(seg.data) == 0 {
			continue
		}
		if err := l.memBegin(ctx, seg.data, seg.offset); err != nil {
			return errors.Annotatef(err, "failed to begin %s segment at 0x%08x", seg.name, seg.offset)
		}
		for seq := 0; seq*protocol.RAMBlockSize < len(seg.data); seq++ {
			start := seq * protocol.RAMBlockSize
			end := start + protocol.RAMBlockSize
			if end > len(seg.data) {
				end = len(seg.data)
			}
			if err := l.memBlock(ctx, seg.data[start:end], uint32(seq)); err != nil {
				return errors.Annotatef(err, "failed to write %s block %d", seg.name, seq)
			}
			done++
			l.reportProgress(done, total)
		}
	}

	if _, err := l.CheckCommand(ctx, protocol.CmdMemEnd, protocol.MemEndData(stub.Entry), 0, 0); err != nil {
		return errors.Annotatef(err, "failed to start stub at 0x%08x", stub.Entry)
	}

	greeting, err := l.session.Read(ctx, l.timeout, 0)
	if err != nil {
		return errors.Annotatef(err, "stub did not answer")
	}
	if string(greeting) != stubGreeting {
		return errors.Errorf("unexpected stub greeting %q", greeting)
	}

	l.stubRunning = true
	l.statusLen = stubStatusLen
	glog.V(1).Infof("Stub running")
	return nil
}

func (l *Loader) memBegin(ctx context.Context, data []byte, offset uint32) error {
	blocks := protocol.CalculateBlocks(len(data), protocol.RAMBlockSize)
	payload := protocol.MemBeginData(uint32(len(data)), blocks, protocol.RAMBlockSize, offset)
	_, err := l.CheckCommand(ctx, protocol.CmdMemBegin, payload, 0, 0)
	return err
}

func (l *Loader) memBlock(ctx context.Context, block []byte, seq uint32) error {
	req := protocol.NewDataRequest(protocol.CmdMemData, protocol.MemDataHeader(len(block), seq), block)
	_, err := l.CheckCommand(ctx, req.Command, req.Data, req.Checksum, 0)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
