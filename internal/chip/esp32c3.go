package chip

import (
	"context"
	"fmt"
)

const esp32c3EfuseBase = 0x60008800

var (
	esp32c3PkgVersion   = efuseField(esp32c3EfuseBase+0x044, 3, 21, 0x07)
	esp32c3ChipRevision = efuseField(esp32c3EfuseBase+0x044, 3, 18, 0x07)

	esp32c3Packages = map[uint32]string{
		0: "ESP32-C3",
	}
)

// ESP32C3 is the ESP32-C3 family.
type ESP32C3 struct {
	profile
}

// NewESP32C3 returns the ESP32-C3 descriptor.
func NewESP32C3() *ESP32C3 {
	return &ESP32C3{profile{
		name:        "ESP32-C3",
		imageChipID: 5,
		magic:       []uint32{0x6921506f, 0x1b31506f},
		regs: Registers{
			MACEfuse:       esp32c3EfuseBase + 0x044,
			EfuseBase:      esp32c3EfuseBase,
			UARTClkDiv:     0x3ff40014,
			UARTClkDivMask: 0xfffff,
			UARTDate:       0x6000007c,
			SPI:            spiRegistersC3S3,
		},
		flashSizes:       flashSizesS2C3S3,
		flashWriteSize:   0x400,
		bootloaderOffset: 0,
		statusLen:        4,
		stubFile:         "stub_flasher_32c3.json",
	}}
}

// SPI controller layout shared by ESP32-C3 and ESP32-S3.
var spiRegistersC3S3 = SPIRegisters{
	Base:     0x60002000,
	USR:      0x18,
	USR1:     0x1c,
	USR2:     0x20,
	W0:       0x58,
	MOSIDLen: 0x24,
	MISODLen: 0x28,
}

var flashSizesS2C3S3 = map[string]byte{
	"1MB":  0x00,
	"2MB":  0x10,
	"4MB":  0x20,
	"8MB":  0x30,
	"16MB": 0x40,
}

// describeRevision decodes pkg through packages and appends the revision.
func describeRevision(ctx context.Context, t Target, pkgField, revField field, packages map[uint32]string, family string) (string, error) {
	pkg, err := pkgField.read(ctx, t)
	if err != nil {
		return "", err
	}
	rev, err := revField.read(ctx, t)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (revision %d)", lookup(packages, pkg, "unknown "+family), rev), nil
}

// ChipDescription names the package and appends the revision.
func (c *ESP32C3) ChipDescription(ctx context.Context, t Target) (string, error) {
	return describeRevision(ctx, t, esp32c3PkgVersion, esp32c3ChipRevision, esp32c3Packages, c.name)
}

// ChipFeatures returns the fixed radio set.
func (c *ESP32C3) ChipFeatures(ctx context.Context, t Target) ([]string, error) {
	return []string{"Wi-Fi", "BLE"}, nil
}

// CrystalFreq returns the fixed 40 MHz crystal.
func (c *ESP32C3) CrystalFreq(ctx context.Context, t Target) (int, error) {
	return 40, nil
}

// ReadMAC reads the factory MAC from eFuse.
func (c *ESP32C3) ReadMAC(ctx context.Context, t Target) (string, error) {
	return readMACWords(ctx, t, c.regs.MACEfuse)
}
