package serial

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultReadTimeout is the poll granularity applied right after open.
const DefaultReadTimeout = 100 * time.Millisecond

// Config describes the line settings of a port.
// Zero values select 8 data bits, no parity, one stop bit.
type Config struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// Mode converts the config to the driver's mode description.
func (c Config) Mode() *serial.Mode {
	dataBits := c.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: dataBits,
		Parity:   c.Parity,
		StopBits: c.StopBits,
		// both lines released, so opening the port does not reset the chip
		InitialStatusBits: &serial.ModemOutputBits{RTS: false, DTR: false},
	}
}

// Open opens a serial port with the given line settings.
func Open(portName string, cfg Config) (serial.Port, error) {
	port, err := serial.Open(portName, cfg.Mode())
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// String renders the USB identity of the port, or just its name.
func (p PortInfo) String() string {
	if !p.IsUSB || p.VID == "" || p.PID == "" {
		return p.Name
	}
	return fmt.Sprintf("%s (VendorID 0x%s ProductID 0x%s)", p.Name, strings.ToLower(p.VID), strings.ToLower(p.PID))
}

// ListPorts returns the available serial ports with USB details where known.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}

	if len(ports) == 0 {
		// The enumerator misses ports on some platforms.
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			ports = append(ports, PortInfo{Name: name})
		}
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

// Lookup returns the enumerated details for one port.
func Lookup(portName string) (PortInfo, bool) {
	ports, err := ListPorts()
	if err != nil {
		return PortInfo{}, false
	}
	for _, p := range ports {
		if p.Name == portName {
			return p, true
		}
	}
	return PortInfo{}, false
}
