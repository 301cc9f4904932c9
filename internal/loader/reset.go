package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// ResetMode selects how Reset drives the control lines.
type ResetMode string

const (
	// ResetClassic pulses EN while holding IO0 low, the USB-UART bridge
	// wiring used by most development boards.
	ResetClassic ResetMode = "classic"
	// ResetNone leaves the chip alone; it must already be in the bootloader.
	ResetNone ResetMode = "none"
)

const (
	resetPulse = 100 * time.Millisecond
	// DefaultResetDelay is how long IO0 stays low after EN is released.
	DefaultResetDelay = 50 * time.Millisecond
)

// ParseResetMode parses a reset mode name.
func ParseResetMode(s string) (ResetMode, error) {
	switch ResetMode(s) {
	case ResetClassic, ResetNone:
		return ResetMode(s), nil
	case "":
		return ResetClassic, nil
	default:
		return "", fmt.Errorf("unknown reset mode %q", s)
	}
}

// Reset resets the chip into the bootloader using mode.
func (l *Loader) Reset(ctx context.Context, mode ResetMode) error {
	switch mode {
	case ResetClassic, "":
		return l.ClassicReset(ctx, DefaultResetDelay)
	case ResetNone:
		return nil
	default:
		return errors.Errorf("unknown reset mode %q", mode)
	}
}

// ClassicReset enters the bootloader through the RTS/EN and DTR/IO0 wiring.
// Every line change goes through the session, which re-asserts the other
// line so both reach the adapter.
func (l *Loader) ClassicReset(ctx context.Context, delay time.Duration) error {
	s := l.session
	steps := []func() error{
		func() error { return s.SetDTR(false) },
		func() error { return s.SetRTS(true) },
		func() error { return sleep(ctx, resetPulse) },
		func() error { return s.SetDTR(true) },
		func() error { return s.SetRTS(false) },
		func() error { return sleep(ctx, delay) },
		func() error { return s.SetDTR(false) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return errors.Annotatef(err, "classic reset")
		}
	}
	return nil
}

// HardReset restarts the chip into its application by pulsing EN.
func (l *Loader) HardReset(ctx context.Context) error {
	if err := l.session.SetRTS(true); err != nil {
		return errors.Annotatef(err, "hard reset")
	}
	if err := sleep(ctx, resetPulse); err != nil {
		return err
	}
	if err := l.session.SetRTS(false); err != nil {
		return errors.Annotatef(err, "hard reset")
	}
	return nil
}
