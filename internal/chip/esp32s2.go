package chip

import "context"

const (
	esp32s2EfuseBase   = 0x3f41a000
	esp32s2Block1Addr  = esp32s2EfuseBase + 0x044
	esp32s2Block2Addr  = esp32s2EfuseBase + 0x05c
	esp32s2CrystalFreq = 40
)

var (
	esp32s2PkgVersion    = efuseField(esp32s2Block1Addr, 3, 21, 0x0f)
	esp32s2FlashCap      = efuseField(esp32s2Block1Addr, 3, 21, 0x0f)
	esp32s2PsramCap      = efuseField(esp32s2Block1Addr, 3, 28, 0x0f)
	esp32s2Block2Version = efuseField(esp32s2Block2Addr, 4, 4, 0x07)

	esp32s2Packages = map[uint32]string{
		0: "ESP32-S2",
		1: "ESP32-S2FH16",
		2: "ESP32-S2FH32",
	}
	esp32s2FlashCaps = map[uint32]string{
		0: "No Embedded Flash",
		1: "Embedded Flash 2MB",
		2: "Embedded Flash 4MB",
	}
	esp32s2PsramCaps = map[uint32]string{
		0: "No Embedded PSRAM",
		1: "Embedded PSRAM 2MB",
		2: "Embedded PSRAM 4MB",
	}
	esp32s2Block2Versions = map[uint32]string{
		0: "No calibration in BLK2 of efuse",
		1: "ADC and temperature sensor calibration in BLK2 of efuse V1",
		2: "ADC and temperature sensor calibration in BLK2 of efuse V2",
	}
)

// ESP32S2 is the ESP32-S2 family.
type ESP32S2 struct {
	profile
}

// NewESP32S2 returns the ESP32-S2 descriptor.
func NewESP32S2() *ESP32S2 {
	return &ESP32S2{profile{
		name:        "ESP32-S2",
		imageChipID: 2,
		magic:       []uint32{0x000007c6},
		regs: Registers{
			MACEfuse:       0x3f41a044,
			EfuseBase:      esp32s2EfuseBase,
			UARTClkDiv:     0x3f400014,
			UARTClkDivMask: 0xfffff,
			UARTDate:       0x60000078,
			SPI: SPIRegisters{
				Base:     0x3f402000,
				USR:      0x18,
				USR1:     0x1c,
				USR2:     0x20,
				W0:       0x58,
				MOSIDLen: 0x24,
				MISODLen: 0x28,
			},
		},
		flashSizes: map[string]byte{
			"1MB":  0x00,
			"2MB":  0x10,
			"4MB":  0x20,
			"8MB":  0x30,
			"16MB": 0x40,
		},
		flashWriteSize:   0x400,
		bootloaderOffset: 0x1000,
		statusLen:        4,
		stubFile:         "stub_flasher_32s2.json",
	}}
}

// PkgVersion reads the package version from BLOCK1.
func (c *ESP32S2) PkgVersion(ctx context.Context, t Target) (uint32, error) {
	return esp32s2PkgVersion.read(ctx, t)
}

// FlashCap reads the embedded flash capacity code.
func (c *ESP32S2) FlashCap(ctx context.Context, t Target) (uint32, error) {
	return esp32s2FlashCap.read(ctx, t)
}

// PsramCap reads the embedded PSRAM capacity code.
func (c *ESP32S2) PsramCap(ctx context.Context, t Target) (uint32, error) {
	return esp32s2PsramCap.read(ctx, t)
}

// Block2Version reads the BLK2 calibration scheme version.
func (c *ESP32S2) Block2Version(ctx context.Context, t Target) (uint32, error) {
	return esp32s2Block2Version.read(ctx, t)
}

// ChipDescription names the package from BLOCK1.
func (c *ESP32S2) ChipDescription(ctx context.Context, t Target) (string, error) {
	pkg, err := c.PkgVersion(ctx, t)
	if err != nil {
		return "", err
	}
	return lookup(esp32s2Packages, pkg, "unknown ESP32-S2"), nil
}

// ChipFeatures reports embedded flash, PSRAM and the BLK2 calibration.
func (c *ESP32S2) ChipFeatures(ctx context.Context, t Target) ([]string, error) {
	features := []string{"Wi-Fi"}

	flashCap, err := c.FlashCap(ctx, t)
	if err != nil {
		return nil, err
	}
	features = append(features, lookup(esp32s2FlashCaps, flashCap, "Unknown Embedded Flash"))

	psramCap, err := c.PsramCap(ctx, t)
	if err != nil {
		return nil, err
	}
	features = append(features, lookup(esp32s2PsramCaps, psramCap, "Unknown Embedded PSRAM"))

	block2, err := c.Block2Version(ctx, t)
	if err != nil {
		return nil, err
	}
	features = append(features, lookup(esp32s2Block2Versions, block2, "Unknown Calibration in BLK2"))

	return features, nil
}

// CrystalFreq returns the fixed 40 MHz crystal.
func (c *ESP32S2) CrystalFreq(ctx context.Context, t Target) (int, error) {
	return esp32s2CrystalFreq, nil
}

// ReadMAC reads the factory MAC from eFuse.
func (c *ESP32S2) ReadMAC(ctx context.Context, t Target) (string, error) {
	return readMACWords(ctx, t, c.regs.MACEfuse)
}
