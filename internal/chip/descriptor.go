// Package chip describes the Espressif chip families the ROM loader can talk
// to and decodes the facts stored in their eFuse and peripheral registers.
package chip

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
)

// NoImageChipID is reported by families that predate image chip IDs.
const NoImageChipID = -1

// Target is the register access a descriptor needs to identify a chip.
type Target interface {
	ReadReg(ctx context.Context, addr uint32) (uint32, error)
	WriteReg(ctx context.Context, addr, value uint32) error
	// BaudRate is the rate the link currently runs at.
	BaudRate() int
}

// SPIRegisters locates the SPI flash controller used for user commands.
// MOSIDLen and MISODLen are zero on chips that encode bit lengths in USR1.
type SPIRegisters struct {
	Base     uint32
	USR      uint32
	USR1     uint32
	USR2     uint32
	W0       uint32
	MOSIDLen uint32
	MISODLen uint32
}

// Registers is the register map of a family.
type Registers struct {
	MACEfuse       uint32
	EfuseBase      uint32
	UARTClkDiv     uint32
	UARTClkDivMask uint32
	UARTDate       uint32
	SPI            SPIRegisters
}

// Descriptor is the constant data and decoding logic of one chip family.
// Decoding never fails on unknown field values; only register reads do.
type Descriptor interface {
	Name() string
	ImageChipID() int
	MagicValues() []uint32
	Registers() Registers
	FlashSizes() map[string]byte
	FlashWriteSize() int
	BootloaderOffset() uint32
	// ROMStatusLen is the number of status bytes closing a ROM response.
	ROMStatusLen() int
	StubFile() string

	ChipDescription(ctx context.Context, t Target) (string, error)
	ChipFeatures(ctx context.Context, t Target) ([]string, error)
	CrystalFreq(ctx context.Context, t Target) (int, error)
	ReadMAC(ctx context.Context, t Target) (string, error)
	EraseSize(offset, size uint32) uint32
}

// profile holds the constant part of a descriptor. Families embed it and add
// their decoding methods.
type profile struct {
	name             string
	imageChipID      int
	magic            []uint32
	regs             Registers
	flashSizes       map[string]byte
	flashWriteSize   int
	bootloaderOffset uint32
	statusLen        int
	stubFile         string
}

func (p *profile) Name() string             { return p.name }
func (p *profile) ImageChipID() int         { return p.imageChipID }
func (p *profile) Registers() Registers     { return p.regs }
func (p *profile) FlashWriteSize() int      { return p.flashWriteSize }
func (p *profile) BootloaderOffset() uint32 { return p.bootloaderOffset }
func (p *profile) ROMStatusLen() int        { return p.statusLen }
func (p *profile) StubFile() string         { return p.stubFile }

func (p *profile) MagicValues() []uint32 {
	return append([]uint32(nil), p.magic...)
}

func (p *profile) FlashSizes() map[string]byte {
	sizes := make(map[string]byte, len(p.flashSizes))
	for k, v := range p.flashSizes {
		sizes[k] = v
	}
	return sizes
}

// EraseSize returns size unchanged; only the ESP8266 ROM needs adjusting.
func (p *profile) EraseSize(offset, size uint32) uint32 {
	return size
}

// Stub is a flasher stub program uploaded to RAM and started by the ROM.
type Stub struct {
	TextStart uint32 `json:"text_start"`
	Entry     uint32 `json:"entry"`
	DataStart uint32 `json:"data_start"`
	Text      []byte `json:"-"`
	Data      []byte `json:"-"`
}

type stubFile struct {
	TextStart uint32 `json:"text_start"`
	Entry     uint32 `json:"entry"`
	DataStart uint32 `json:"data_start"`
	Text      string `json:"text"`
	Data      string `json:"data"`
}

// LoadStub reads the stub of d from fsys. The file is JSON with base64
// encoded text and data segments.
func LoadStub(fsys fs.FS, d Descriptor) (*Stub, error) {
	raw, err := fs.ReadFile(fsys, d.StubFile())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s stub: %w", d.Name(), err)
	}
	return ParseStub(raw)
}

// ParseStub decodes a stub JSON document.
func ParseStub(raw []byte) (*Stub, error) {
	var f stubFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid stub file: %w", err)
	}

	text, err := base64.StdEncoding.DecodeString(f.Text)
	if err != nil {
		return nil, fmt.Errorf("invalid stub text segment: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid stub data segment: %w", err)
	}
	if len(text) == 0 {
		return nil, fmt.Errorf("stub has no text segment")
	}

	return &Stub{
		TextStart: f.TextStart,
		Entry:     f.Entry,
		DataStart: f.DataStart,
		Text:      text,
		Data:      data,
	}, nil
}
