package chip

import "context"

const esp32s3EfuseBase = 0x60007000

var (
	esp32s3PkgVersion   = efuseField(esp32s3EfuseBase+0x044, 3, 21, 0x07)
	esp32s3ChipRevision = efuseField(esp32s3EfuseBase+0x044, 3, 18, 0x07)

	esp32s3Packages = map[uint32]string{
		0: "ESP32-S3",
	}
)

// ESP32S3 is the ESP32-S3 family.
type ESP32S3 struct {
	profile
}

// NewESP32S3 returns the ESP32-S3 descriptor.
func NewESP32S3() *ESP32S3 {
	return &ESP32S3{profile{
		name:        "ESP32-S3",
		imageChipID: 9,
		magic:       []uint32{0x9},
		regs: Registers{
			MACEfuse:       esp32s3EfuseBase + 0x044,
			EfuseBase:      esp32s3EfuseBase,
			UARTClkDiv:     0x60000014,
			UARTClkDivMask: 0xfffff,
			UARTDate:       0x60000080,
			SPI:            spiRegistersC3S3,
		},
		flashSizes:       flashSizesS2C3S3,
		flashWriteSize:   0x400,
		bootloaderOffset: 0,
		statusLen:        4,
		stubFile:         "stub_flasher_32s3.json",
	}}
}

// ChipDescription names the package and appends the revision.
func (c *ESP32S3) ChipDescription(ctx context.Context, t Target) (string, error) {
	return describeRevision(ctx, t, esp32s3PkgVersion, esp32s3ChipRevision, esp32s3Packages, c.name)
}

// ChipFeatures returns the fixed radio set.
func (c *ESP32S3) ChipFeatures(ctx context.Context, t Target) ([]string, error) {
	return []string{"Wi-Fi", "BLE"}, nil
}

// CrystalFreq returns the fixed 40 MHz crystal.
func (c *ESP32S3) CrystalFreq(ctx context.Context, t Target) (int, error) {
	return 40, nil
}

// ReadMAC reads the factory MAC from eFuse.
func (c *ESP32S3) ReadMAC(ctx context.Context, t Target) (string, error) {
	return readMACWords(ctx, t, c.regs.MACEfuse)
}
