package chip

import (
	"context"
	"fmt"
)

const (
	esp32EfuseRdBase    = 0x3ff5a000
	esp32SysconBase     = 0x3ff66000
	esp32ApbCtlDateAddr = esp32SysconBase + 0x7c
	esp32XtalDivider    = 1
)

var esp32CodingSchemes = []string{"None", "3/4", "Repeat (UNSUPPORTED)", "Invalid"}

// ESP32 is the original ESP32 family.
type ESP32 struct {
	profile
}

// NewESP32 returns the ESP32 descriptor.
func NewESP32() *ESP32 {
	return &ESP32{profile{
		name:        "ESP32",
		imageChipID: 0,
		magic:       []uint32{0x00f01d83},
		regs: Registers{
			MACEfuse:       esp32EfuseRdBase + 4,
			EfuseBase:      esp32EfuseRdBase,
			UARTClkDiv:     0x3ff40014,
			UARTClkDivMask: 0xfffff,
			UARTDate:       0x60000078,
			SPI: SPIRegisters{
				Base:     0x3ff42000,
				USR:      0x1c,
				USR1:     0x20,
				USR2:     0x24,
				W0:       0x80,
				MOSIDLen: 0x28,
				MISODLen: 0x2c,
			},
		},
		flashSizes: map[string]byte{
			"1MB":   0x00,
			"2MB":   0x10,
			"4MB":   0x20,
			"8MB":   0x30,
			"16MB":  0x40,
			"32MB":  0x50,
			"64MB":  0x60,
			"128MB": 0x70,
		},
		flashWriteSize:   0x400,
		bootloaderOffset: 0x1000,
		statusLen:        4,
		stubFile:         "stub_flasher_32.json",
	}}
}

func (c *ESP32) readEfuse(ctx context.Context, t Target, word uint32) (uint32, error) {
	return t.ReadReg(ctx, esp32EfuseRdBase+4*word)
}

// PkgVersion combines the three low package bits with the fourth stored
// separately in word 3.
func (c *ESP32) PkgVersion(ctx context.Context, t Target) (uint32, error) {
	word3, err := c.readEfuse(ctx, t, 3)
	if err != nil {
		return 0, err
	}
	pkg := (word3 >> 9) & 0x07
	pkg += ((word3 >> 2) & 0x1) << 3
	return pkg, nil
}

// ChipRevision derives the silicon revision from two eFuse bits and the APB
// control date register.
func (c *ESP32) ChipRevision(ctx context.Context, t Target) (int, error) {
	word3, err := c.readEfuse(ctx, t, 3)
	if err != nil {
		return 0, err
	}
	word5, err := c.readEfuse(ctx, t, 5)
	if err != nil {
		return 0, err
	}
	apbCtlDate, err := t.ReadReg(ctx, esp32ApbCtlDateAddr)
	if err != nil {
		return 0, err
	}

	if (word3>>15)&1 == 0 {
		return 0, nil
	}
	if (word5>>20)&1 == 0 {
		return 1, nil
	}
	if (apbCtlDate>>31)&1 == 0 {
		return 2, nil
	}
	return 3, nil
}

// ChipDescription names the package and appends the silicon revision.
func (c *ESP32) ChipDescription(ctx context.Context, t Target) (string, error) {
	word3, err := c.readEfuse(ctx, t, 3)
	if err != nil {
		return "", err
	}
	pkg, err := c.PkgVersion(ctx, t)
	if err != nil {
		return "", err
	}
	rev, err := c.ChipRevision(ctx, t)
	if err != nil {
		return "", err
	}

	rev3 := rev == 3
	singleCore := word3&(1<<0) != 0

	packages := map[uint32]string{
		0: "ESP32-D0WDQ6",
		1: "ESP32-D0WD",
		2: "ESP32-D2WD",
		4: "ESP32-U4WDH",
		5: "ESP32-PICO-D4",
		6: "ESP32-PICO-V3-02",
		7: "ESP32-D0WDR2-V3",
	}
	if singleCore {
		packages[0] = "ESP32-S0WDQ6"
		packages[1] = "ESP32-S0WD"
	}
	if rev3 {
		packages[5] = "ESP32-PICO-V3"
	}

	name := lookup(packages, pkg, "unknown ESP32")
	if rev3 && !singleCore && (pkg == 0 || pkg == 1) {
		name += "-V3"
	}
	return fmt.Sprintf("%s (revision %d)", name, rev), nil
}

// ChipFeatures lists radio, core count and the eFuse-reported extras.
func (c *ESP32) ChipFeatures(ctx context.Context, t Target) ([]string, error) {
	features := []string{"Wi-Fi"}

	word3, err := c.readEfuse(ctx, t, 3)
	if err != nil {
		return nil, err
	}
	if word3&(1<<1) == 0 {
		features = append(features, "BT")
	}
	if word3&(1<<0) != 0 {
		features = append(features, "Single Core")
	} else {
		features = append(features, "Dual Core")
	}
	if word3&(1<<13) != 0 {
		if word3&(1<<12) != 0 {
			features = append(features, "160MHz")
		} else {
			features = append(features, "240MHz")
		}
	}

	pkg, err := c.PkgVersion(ctx, t)
	if err != nil {
		return nil, err
	}
	switch pkg {
	case 2, 4, 5, 6:
		features = append(features, "Embedded Flash")
	}
	if pkg == 6 {
		features = append(features, "Embedded PSRAM")
	}

	word4, err := c.readEfuse(ctx, t, 4)
	if err != nil {
		return nil, err
	}
	if (word4>>8)&0x1f != 0 {
		features = append(features, "VRef calibration in efuse")
	}
	if (word3>>14)&1 != 0 {
		features = append(features, "BLK3 partially reserved")
	}

	word6, err := c.readEfuse(ctx, t, 6)
	if err != nil {
		return nil, err
	}
	features = append(features, "Coding Scheme "+esp32CodingSchemes[word6&0x3])

	return features, nil
}

// CrystalFreq infers the crystal from the UART clock divider.
func (c *ESP32) CrystalFreq(ctx context.Context, t Target) (int, error) {
	return readXtal(ctx, t, c.regs, esp32XtalDivider)
}

// ReadMAC reads the factory MAC from eFuse.
func (c *ESP32) ReadMAC(ctx context.Context, t Target) (string, error) {
	return readMACWords(ctx, t, c.regs.MACEfuse)
}
