// Package detect finds Espressif chips on serial ports and reports what
// they are.
package detect

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/espprobe/internal/chip"
	"github.com/bigbag/espprobe/internal/loader"
	"github.com/bigbag/espprobe/internal/protocol"
	"github.com/bigbag/espprobe/internal/serial"
	"github.com/bigbag/espprobe/internal/transport"
)

// Result represents a detected device.
type Result struct {
	Port     string
	PortInfo serial.PortInfo
	ChipName string
	// ChipID is the image chip ID, or chip.NoImageChipID.
	ChipID int
	Facts  *chip.Facts
}

// Options controls how a port is probed.
type Options struct {
	BaudRate  int
	ResetMode loader.ResetMode
	Trace     bool
	// Flash also reads the flash ID, which attaches SPI flash first.
	Flash bool
	// Timeout bounds the whole probe of one port. Zero means no limit.
	Timeout time.Duration
	// Opener replaces the serial port opener.
	Opener transport.Opener
}

func (o Options) baud() int {
	if o.BaudRate <= 0 {
		return protocol.DefaultBaudRate
	}
	return o.BaudRate
}

// DetectOnPort connects to the bootloader on portName and identifies the
// chip behind it.
func DetectOnPort(ctx context.Context, portName string, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sessOpts := []transport.Option{transport.WithTracing(opts.Trace)}
	if opts.Opener != nil {
		sessOpts = append(sessOpts, transport.WithOpener(opts.Opener))
	}
	s := transport.New(portName, sessOpts...)
	if err := s.Connect(opts.baud(), transport.SerialOptions{}); err != nil {
		return nil, errors.Trace(err)
	}
	defer s.Disconnect()

	l := loader.New(s)
	d, err := l.Connect(ctx, opts.ResetMode)
	if err != nil {
		return nil, errors.Annotatef(err, "no bootloader on %s", portName)
	}

	if opts.Flash {
		if err := l.SpiAttach(ctx); err != nil {
			return nil, err
		}
	}

	facts, err := chip.Identify(ctx, d, l, chip.IdentifyOptions{Flash: opts.Flash})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to identify %s", d.Name())
	}

	info, _ := serial.Lookup(portName)
	if info.Name == "" {
		info.Name = portName
	}
	return &Result{
		Port:     portName,
		PortInfo: info,
		ChipName: d.Name(),
		ChipID:   d.ImageChipID(),
		Facts:    facts,
	}, nil
}

// DetectDevice returns the first device found on any port.
func DetectDevice(ctx context.Context, opts Options) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to list ports")
	}
	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}

	var lastErr error
	for _, p := range ports {
		result, err := DetectOnPort(ctx, p.Name, opts)
		if err != nil {
			glog.V(1).Infof("%s: %v", p.Name, err)
			lastErr = err
			continue
		}
		return result, nil
	}
	return nil, errors.Annotatef(lastErr, "no device found")
}

// ListDevices scans all ports and returns every device that answered.
func ListDevices(ctx context.Context, opts Options) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to list ports")
	}

	var results []Result
	for _, p := range ports {
		result, err := DetectOnPort(ctx, p.Name, opts)
		if err != nil {
			glog.V(1).Infof("%s: %v", p.Name, err)
			continue
		}
		results = append(results, *result)
	}
	return results, nil
}
