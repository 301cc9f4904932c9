package detect

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	bugserial "go.bug.st/serial"

	"github.com/bigbag/espprobe/internal/loader"
	"github.com/bigbag/espprobe/internal/protocol"
	"github.com/bigbag/espprobe/internal/serial"
	"github.com/bigbag/espprobe/internal/slip"
	"github.com/bigbag/espprobe/internal/transport"
)

// romDevice emulates an ESP32-S2 ROM loader backed by a register map.
type romDevice struct {
	mu          sync.Mutex
	regs        map[uint32]uint32
	pending     []byte
	readTimeout time.Duration
	silent      bool
}

func (d *romDevice) reply(op byte, value uint32, body ...byte) {
	resp := make([]byte, 8+len(body))
	resp[0] = protocol.DirResponse
	resp[1] = op
	binary.LittleEndian.PutUint16(resp[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(resp[4:8], value)
	copy(resp[8:], body)
	d.pending = append(d.pending, slip.Encode(resp)...)
}

func (d *romDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		d.mu.Unlock()
		return n, nil
	}
	wait := d.readTimeout
	d.mu.Unlock()
	time.Sleep(wait)
	return 0, nil
}

func (d *romDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return len(p), nil
	}

	frame, _, ok := slip.Decode(p)
	if !ok || len(frame) < 8 {
		return len(p), nil
	}
	op, data := frame[1], frame[8:]
	ok4 := []byte{0, 0, 0, 0}

	switch op {
	case protocol.CmdSync, protocol.CmdSpiAttach:
		d.reply(op, 0, ok4...)
	case protocol.CmdGetSecurityInfo:
		info := make([]byte, 20)
		binary.LittleEndian.PutUint32(info[12:16], 2)
		d.reply(op, 0, append(info, ok4...)...)
	case protocol.CmdReadReg:
		d.reply(op, d.regs[binary.LittleEndian.Uint32(data)], ok4...)
	case protocol.CmdWriteReg:
		addr := binary.LittleEndian.Uint32(data[0:4])
		if _, fixed := d.regs[addr]; !fixed {
			d.regs[addr] = binary.LittleEndian.Uint32(data[4:8])
		}
		// the SPI command bit clears as soon as it is set
		if addr == 0x3f402000 {
			d.regs[addr] = 0
		}
		d.reply(op, 0, ok4...)
	}
	return len(p), nil
}

func (d *romDevice) Close() error { return nil }

func (d *romDevice) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readTimeout = t
	return nil
}

func (d *romDevice) SetDTR(bool) error             { return nil }
func (d *romDevice) SetRTS(bool) error             { return nil }
func (d *romDevice) SetMode(*bugserial.Mode) error { return nil }
func (d *romDevice) ResetInputBuffer() error       { return nil }

func opener(dev *romDevice) transport.Opener {
	return func(string, serial.Config) (transport.Channel, error) {
		return dev, nil
	}
}

func TestDetectOnPort(t *testing.T) {
	dev := &romDevice{regs: map[uint32]uint32{
		0x3f41a050: 1 << 21,    // pkg version ESP32-S2FH16
		0x3f41a044: 0x0A0B0C0D, // MAC low word
		0x3f41a048: 0x0000EEFF, // MAC high word
		0x3f402058: 0x164020,   // SPI W0, flash ID
	}}

	result, err := DetectOnPort(context.Background(), "/dev/fake0", Options{
		ResetMode: loader.ResetNone,
		Flash:     true,
		Opener:    opener(dev),
	})
	if err != nil {
		t.Fatalf("DetectOnPort() error = %v", err)
	}

	if result.Port != "/dev/fake0" || result.PortInfo.Name != "/dev/fake0" {
		t.Errorf("DetectOnPort() port = %q / %q", result.Port, result.PortInfo.Name)
	}
	if result.ChipName != "ESP32-S2" || result.ChipID != 2 {
		t.Errorf("DetectOnPort() chip = %s (%d), want ESP32-S2 (2)", result.ChipName, result.ChipID)
	}
	if result.Facts.Description != "ESP32-S2FH16" {
		t.Errorf("DetectOnPort() description = %q, want ESP32-S2FH16", result.Facts.Description)
	}
	if result.Facts.MAC != "ee:ff:0a:0b:0c:0d" {
		t.Errorf("DetectOnPort() MAC = %q", result.Facts.MAC)
	}
	if result.Facts.FlashSize != "4MB" {
		t.Errorf("DetectOnPort() flash size = %q, want 4MB", result.Facts.FlashSize)
	}
}

func TestDetectOnPort_NoBootloader(t *testing.T) {
	dev := &romDevice{silent: true, regs: map[uint32]uint32{}}

	_, err := DetectOnPort(context.Background(), "/dev/fake0", Options{
		ResetMode: loader.ResetNone,
		Opener:    opener(dev),
		Timeout:   500 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("DetectOnPort() on a silent port expected error, got nil")
	}
}

func TestDetectOnPort_OpenFails(t *testing.T) {
	openErr := errors.New("no such port")
	_, err := DetectOnPort(context.Background(), "/dev/missing", Options{
		Opener: func(string, serial.Config) (transport.Channel, error) {
			return nil, openErr
		},
	})
	if err == nil {
		t.Fatal("DetectOnPort() expected error, got nil")
	}
}

func TestOptions_Baud(t *testing.T) {
	if got := (Options{}).baud(); got != protocol.DefaultBaudRate {
		t.Errorf("baud() = %d, want %d", got, protocol.DefaultBaudRate)
	}
	if got := (Options{BaudRate: 921600}).baud(); got != 921600 {
		t.Errorf("baud() = %d, want 921600", got)
	}
}
