package chip

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// field is a bit range inside one 32-bit register.
type field struct {
	addr  uint32
	shift uint
	mask  uint32
}

// efuseField addresses a field in word of the eFuse block at base.
func efuseField(base uint32, word uint32, shift uint, mask uint32) field {
	return field{addr: base + 4*word, shift: shift, mask: mask}
}

func (f field) read(ctx context.Context, t Target) (uint32, error) {
	v, err := t.ReadReg(ctx, f.addr)
	if err != nil {
		return 0, err
	}
	return (v >> f.shift) & f.mask, nil
}

// lookup maps code through table, falling back to unknown.
func lookup(table map[uint32]string, code uint32, unknown string) string {
	if s, ok := table[code]; ok {
		return s
	}
	return unknown
}

// AssembleMAC builds a MAC address from the two eFuse words holding it.
// The low half of word1 supplies the first two bytes, word0 the last four.
func AssembleMAC(word0, word1 uint32) string {
	return FormatMAC([]byte{
		byte(word1 >> 8),
		byte(word1),
		byte(word0 >> 24),
		byte(word0 >> 16),
		byte(word0 >> 8),
		byte(word0),
	})
}

// FormatMAC renders bytes as lowercase colon separated hex.
func FormatMAC(mac []byte) string {
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

func readMACWords(ctx context.Context, t Target, addr uint32) (string, error) {
	word0, err := t.ReadReg(ctx, addr)
	if err != nil {
		return "", err
	}
	word1, err := t.ReadReg(ctx, addr+4)
	if err != nil {
		return "", err
	}
	return AssembleMAC(word0, word1), nil
}

// XtalFromClkDiv estimates the crystal frequency in MHz from the UART clock
// divider the ROM programmed for baud, and snaps it to 40 or 26.
func XtalFromClkDiv(clkDiv uint32, baud int, divider int) int {
	if divider <= 0 {
		divider = 1
	}
	est := float64(clkDiv) * float64(baud) / 1e6 / float64(divider)
	if est > 33 {
		return 40
	}
	return 26
}

func readXtal(ctx context.Context, t Target, regs Registers, divider int) (int, error) {
	v, err := t.ReadReg(ctx, regs.UARTClkDiv)
	if err != nil {
		return 0, err
	}
	return XtalFromClkDiv(v&regs.UARTClkDivMask, t.BaudRate(), divider), nil
}

const (
	spiCmdUsr     = 1 << 18
	spiUsrCommand = 1 << 31
	spiUsrMISO    = 1 << 28
	spiUsrMOSI    = 1 << 27

	// legacy USR1 bit length fields, used when there are no DLEN registers
	spiMISOBitLenShift = 8
	spiMOSIBitLenShift = 17

	spiFlashRDID    = 0x9F
	spiCmdPollLimit = 10
)

// ReadFlashID reads the JEDEC ID of the attached SPI flash with an RDID
// user command. SPI must already be attached.
func ReadFlashID(ctx context.Context, d Descriptor, t Target) (uint32, error) {
	return runSPIFlashCommand(ctx, d.Registers().SPI, t, spiFlashRDID, 24)
}

func runSPIFlashCommand(ctx context.Context, spi SPIRegisters, t Target, cmd uint32, readBits uint32) (uint32, error) {
	cmdReg := spi.Base
	usrReg := spi.Base + spi.USR
	usr1Reg := spi.Base + spi.USR1
	usr2Reg := spi.Base + spi.USR2
	w0Reg := spi.Base + spi.W0

	oldUsr, err := t.ReadReg(ctx, usrReg)
	if err != nil {
		return 0, err
	}
	oldUsr2, err := t.ReadReg(ctx, usr2Reg)
	if err != nil {
		return 0, err
	}

	flags := uint32(spiUsrCommand)
	if readBits > 0 {
		flags |= spiUsrMISO
	}

	if spi.MOSIDLen != 0 {
		if readBits > 0 {
			if err := t.WriteReg(ctx, spi.Base+spi.MISODLen, readBits-1); err != nil {
				return 0, err
			}
		}
	} else {
		var misoMask uint32
		if readBits > 0 {
			misoMask = readBits - 1
		}
		if err := t.WriteReg(ctx, usr1Reg, misoMask<<spiMISOBitLenShift); err != nil {
			return 0, err
		}
	}

	if err := t.WriteReg(ctx, usrReg, flags); err != nil {
		return 0, err
	}
	if err := t.WriteReg(ctx, usr2Reg, (7<<28)|cmd); err != nil {
		return 0, err
	}
	if err := t.WriteReg(ctx, w0Reg, 0); err != nil {
		return 0, err
	}
	if err := t.WriteReg(ctx, cmdReg, spiCmdUsr); err != nil {
		return 0, err
	}

	done := false
	for i := 0; i < spiCmdPollLimit; i++ {
		v, err := t.ReadReg(ctx, cmdReg)
		if err != nil {
			return 0, err
		}
		if v&spiCmdUsr == 0 {
			done = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !done {
		return 0, fmt.Errorf("SPI command 0x%02x did not complete", cmd)
	}

	status, err := t.ReadReg(ctx, w0Reg)
	if err != nil {
		return 0, err
	}

	if err := t.WriteReg(ctx, usrReg, oldUsr); err != nil {
		return 0, err
	}
	if err := t.WriteReg(ctx, usr2Reg, oldUsr2); err != nil {
		return 0, err
	}

	if readBits >= 32 {
		return status, nil
	}
	return status & (1<<readBits - 1), nil
}

var detectedFlashSizes = map[uint32]string{
	0x12: "256KB",
	0x13: "512KB",
	0x14: "1MB",
	0x15: "2MB",
	0x16: "4MB",
	0x17: "8MB",
	0x18: "16MB",
	0x19: "32MB",
	0x1a: "64MB",
}

// FlashSizeFromID maps the capacity byte of a JEDEC ID to a size.
func FlashSizeFromID(flashID uint32) string {
	return lookup(detectedFlashSizes, (flashID>>16)&0xff, "unknown")
}

// Facts is everything Identify learns about a chip.
type Facts struct {
	Chip        string
	Description string
	Features    []string
	CrystalMHz  int
	MAC         string
	FlashID     uint32
	FlashSize   string
}

// IdentifyOptions selects the optional parts of Identify.
type IdentifyOptions struct {
	// Flash reads the flash JEDEC ID. SPI must be attached.
	Flash bool
}

// Identify reads the facts of the chip behind t, decoded by d.
// Register read errors are returned unchanged.
func Identify(ctx context.Context, d Descriptor, t Target, opts IdentifyOptions) (*Facts, error) {
	facts := &Facts{Chip: d.Name()}

	var err error
	if facts.Description, err = d.ChipDescription(ctx, t); err != nil {
		return nil, err
	}
	if facts.Features, err = d.ChipFeatures(ctx, t); err != nil {
		return nil, err
	}
	if facts.CrystalMHz, err = d.CrystalFreq(ctx, t); err != nil {
		return nil, err
	}
	if facts.MAC, err = d.ReadMAC(ctx, t); err != nil {
		return nil, err
	}

	if opts.Flash {
		if facts.FlashID, err = ReadFlashID(ctx, d, t); err != nil {
			return nil, err
		}
		facts.FlashSize = FlashSizeFromID(facts.FlashID)
	}

	return facts, nil
}
