package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bugserial "go.bug.st/serial"

	"github.com/bigbag/espprobe/internal/serial"
	"github.com/bigbag/espprobe/internal/slip"
)

const (
	// DefaultPollInterval bounds how long a single channel read may block,
	// and therefore how quickly a read notices cancellation.
	DefaultPollInterval = 50 * time.Millisecond

	readChunkSize = 4096
)

// Channel is the raw byte channel a session drives. go.bug.st/serial ports
// satisfy it directly.
type Channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetMode(mode *bugserial.Mode) error
	ResetInputBuffer() error
}

// Opener opens the named channel with the given line settings.
type Opener func(portName string, cfg serial.Config) (Channel, error)

func openSerial(portName string, cfg serial.Config) (Channel, error) {
	return serial.Open(portName, cfg)
}

// Line names a modem control line.
type Line string

const (
	LineRTS Line = "RTS"
	LineDTR Line = "DTR"
)

// SerialOptions are the line settings besides the baud rate.
// Zero values select 8N1.
type SerialOptions struct {
	DataBits int
	Parity   bugserial.Parity
	StopBits bugserial.StopBits
}

// Option configures a Session.
type Option func(*Session)

// WithOpener replaces the serial port opener.
func WithOpener(open Opener) Option {
	return func(s *Session) {
		s.opener = open
	}
}

// WithFraming enables or disables SLIP framing on reads and writes.
func WithFraming(enabled bool) Option {
	return func(s *Session) {
		s.framing = enabled
	}
}

// WithTracing logs every transfer as a hex dump at glog verbosity 2.
func WithTracing(enabled bool) Option {
	return func(s *Session) {
		s.tracing = enabled
	}
}

// WithPollInterval sets the upper bound of a single blocking channel read.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Session owns one channel to a device and the bytes received from it that
// no frame has claimed yet. All operations are serialised; at most one
// read or write touches the channel at a time.
type Session struct {
	portName     string
	opener       Opener
	pollInterval time.Duration
	tracing      bool
	lastTrace    time.Time

	ioMu     sync.Mutex
	ch       Channel
	cfg      serial.Config
	framing  bool
	leftover []byte
	dtrState bool
	rtsState bool

	stateMu    sync.Mutex
	cancelIO context.CancelFunc
	closing    bool
}

// New creates an unconnected session for the named port.
func New(portName string, opts ...Option) *Session {
	s := &Session{
		portName:     portName,
		opener:       openSerial,
		pollInterval: DefaultPollInterval,
		framing:      true,
		lastTrace:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PortName returns the port name.
func (s *Session) PortName() string {
	return s.portName
}

// Connect opens the channel at the given baud rate.
func (s *Session) Connect(baud int, opts SerialOptions) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch != nil {
		return fmt.Errorf("port %s already connected", s.portName)
	}

	cfg := serial.Config{
		BaudRate: baud,
		DataBits: opts.DataBits,
		Parity:   opts.Parity,
		StopBits: opts.StopBits,
	}
	ch, err := s.opener(s.portName, cfg)
	if err != nil {
		return err
	}

	s.ch = ch
	s.cfg = cfg
	s.leftover = nil
	s.dtrState = false
	s.rtsState = false
	return nil
}

// Disconnect cancels an in-flight read or write, waits for the channel to be
// released and closes it. Disconnecting a closed session is a no-op.
func (s *Session) Disconnect() error {
	s.stateMu.Lock()
	s.closing = true
	if s.cancelIO != nil {
		s.cancelIO()
	}
	s.stateMu.Unlock()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	defer func() {
		s.stateMu.Lock()
		s.closing = false
		s.stateMu.Unlock()
	}()

	if s.ch == nil {
		return nil
	}

	err := s.ch.Close()
	s.ch = nil
	s.leftover = nil
	if err != nil {
		return fmt.Errorf("failed to close port %s: %w", s.portName, err)
	}
	return nil
}

// Connected reports whether the channel is open.
func (s *Session) Connected() bool {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.ch != nil
}

// BaudRate returns the current baud rate.
func (s *Session) BaudRate() int {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.cfg.BaudRate
}

// SetBaudRate reconfigures the open channel.
func (s *Session) SetBaudRate(baud int) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch == nil {
		return ErrClosed
	}

	cfg := s.cfg
	cfg.BaudRate = baud
	if err := s.ch.SetMode(cfg.Mode()); err != nil {
		return fmt.Errorf("failed to set baud rate %d: %w", baud, err)
	}
	s.cfg = cfg
	return nil
}

// SetFraming switches SLIP framing on or off. With framing off, writes go out
// unchanged and reads return raw bytes.
func (s *Session) SetFraming(enabled bool) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.framing = enabled
}

// Flush drops pending input, both in the OS buffer and the leftover.
func (s *Session) Flush() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch == nil {
		return ErrClosed
	}
	s.leftover = nil
	return s.ch.ResetInputBuffer()
}

// Write sends one payload, SLIP-framed unless framing is off.
//
// The channel write itself cannot be interrupted, so it runs aside while
// Write waits on ctx. If ctx ends first the channel is closed, since part
// of the frame may already be on the wire, and later calls fail with
// ErrClosed.
func (s *Session) Write(ctx context.Context, data []byte) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := data
	if s.framing {
		out = slip.Encode(data)
	}
	s.traceBytes("Write", out)

	ctx, done := s.beginIO(ctx, 0)
	defer done()

	ch := s.ch
	result := make(chan error, 1)
	go func() {
		_, err := ch.Write(out)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrClosed, err)
		}
		return nil
	case <-ctx.Done():
		ch.Close()
		<-result
		s.ch = nil
		s.leftover = nil
		if s.isClosing() {
			return ErrClosed
		}
		return ctx.Err()
	}
}

// Read returns the next frame, or with framing off at least minData raw
// bytes. The leftover from earlier reads is consumed first. A timeout of
// zero waits until ctx is done.
//
// On timeout the bytes accumulated so far become the leftover, so a retry
// continues where this call stopped.
func (s *Session) Read(ctx context.Context, timeout time.Duration, minData int) ([]byte, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch == nil {
		return nil, ErrClosed
	}

	packet := s.leftover
	s.leftover = nil

	if s.framing {
		if frame, rest, ok := slip.Decode(packet); ok {
			s.leftover = rest
			return frame, nil
		}
	} else if len(packet) > 0 && len(packet) >= minData {
		return packet, nil
	}

	ctx, done := s.beginIO(ctx, timeout)
	defer done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.readChunk(ctx, buf)
		if err != nil {
			s.leftover = packet
			return nil, s.readError("read", err, timeout, len(packet))
		}
		packet = append(packet, buf[:n]...)
		s.traceBytes("Read", buf[:n])

		if !s.framing {
			if len(packet) >= minData {
				return packet, nil
			}
			continue
		}

		if frame, rest, ok := slip.Decode(packet); ok {
			s.leftover = rest
			s.traceBytes("Slip reader results", frame)
			return frame, nil
		}
	}
}

// RawRead returns whatever bytes are available without frame decoding:
// the leftover if there is one, otherwise the first chunk that arrives
// within timeout.
func (s *Session) RawRead(ctx context.Context, timeout time.Duration) ([]byte, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch == nil {
		return nil, ErrClosed
	}

	if len(s.leftover) > 0 {
		p := s.leftover
		s.leftover = nil
		return p, nil
	}

	ctx, done := s.beginIO(ctx, timeout)
	defer done()

	buf := make([]byte, readChunkSize)
	n, err := s.readChunk(ctx, buf)
	if err != nil {
		return nil, s.readError("raw read", err, timeout, 0)
	}
	s.traceBytes("Raw Read", buf[:n])
	return buf[:n], nil
}

// SetRTS drives RTS. True holds EN low (chip in reset).
func (s *Session) SetRTS(state bool) error {
	return s.SetControlLine(LineRTS, state)
}

// SetDTR drives DTR. True holds IO0 low.
func (s *Session) SetDTR(state bool) error {
	return s.SetControlLine(LineDTR, state)
}

// SetControlLine sets one modem line and then re-sends the other line's last
// state. Adapters on the Windows usbser.sys driver only emit the
// set-control-line-state request when DTR is written, so the pair is always
// sent together.
func (s *Session) SetControlLine(line Line, state bool) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.ch == nil {
		return ErrClosed
	}

	switch line {
	case LineRTS:
		if err := s.ch.SetRTS(state); err != nil {
			return fmt.Errorf("failed to set RTS: %w", err)
		}
		s.rtsState = state
		if err := s.ch.SetDTR(s.dtrState); err != nil {
			return fmt.Errorf("failed to set DTR: %w", err)
		}
	case LineDTR:
		if err := s.ch.SetDTR(state); err != nil {
			return fmt.Errorf("failed to set DTR: %w", err)
		}
		s.dtrState = state
		if err := s.ch.SetRTS(s.rtsState); err != nil {
			return fmt.Errorf("failed to set RTS: %w", err)
		}
	default:
		return &UnknownLineError{Line: line}
	}
	return nil
}

// beginIO derives the context of one read or write and publishes its
// cancel function so Disconnect can interrupt it.
func (s *Session) beginIO(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	cancelTimeout := func() {}
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
	}
	ctx, cancel := context.WithCancel(ctx)

	s.stateMu.Lock()
	if s.closing {
		cancel()
	}
	s.cancelIO = cancel
	s.stateMu.Unlock()

	return ctx, func() {
		s.stateMu.Lock()
		s.cancelIO = nil
		s.stateMu.Unlock()
		cancel()
		cancelTimeout()
	}
}

// readChunk blocks until at least one byte arrives or ctx is done. The
// channel is polled in slices of pollInterval so cancellation is observed.
func (s *Session) readChunk(ctx context.Context, buf []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		wait := s.pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, context.DeadlineExceeded
			}
			if remaining < wait {
				wait = remaining
			}
		}

		if err := s.ch.SetReadTimeout(wait); err != nil {
			return 0, fmt.Errorf("%w: set read timeout: %v", ErrClosed, err)
		}
		n, err := s.ch.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("%w: read: %v", ErrClosed, err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (s *Session) readError(op string, err error, timeout time.Duration, buffered int) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Op: op, Timeout: timeout, Buffered: buffered}
	case errors.Is(err, context.Canceled):
		if s.isClosing() {
			return ErrClosed
		}
		return err
	default:
		return err
	}
}

func (s *Session) isClosing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closing
}
