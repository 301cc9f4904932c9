package chip

import "context"

const (
	esp8266EfuseRdBase  = 0x3ff00050
	esp8266XtalDivider  = 2
	esp8266SectorSize   = 0x1000
	esp8266SectorsBlock = 16
)

// ESP8266 is the ESP8266 and ESP8285 family. Its ROM closes responses with
// two status bytes and has no image chip ID.
type ESP8266 struct {
	profile
}

// NewESP8266 returns the ESP8266 descriptor.
func NewESP8266() *ESP8266 {
	return &ESP8266{profile{
		name:        "ESP8266",
		imageChipID: NoImageChipID,
		magic:       []uint32{0xfff0c101},
		regs: Registers{
			MACEfuse:       esp8266EfuseRdBase,
			EfuseBase:      esp8266EfuseRdBase,
			UARTClkDiv:     0x60000014,
			UARTClkDivMask: 0xfffff,
			SPI: SPIRegisters{
				Base: 0x60000200,
				USR:  0x1c,
				USR1: 0x20,
				USR2: 0x24,
				W0:   0x40,
			},
		},
		flashSizes: map[string]byte{
			"512KB":  0x00,
			"256KB":  0x10,
			"1MB":    0x20,
			"2MB":    0x30,
			"4MB":    0x40,
			"2MB-c1": 0x50,
			"4MB-c1": 0x60,
			"8MB":    0x80,
			"16MB":   0x90,
		},
		flashWriteSize:   0x4000,
		bootloaderOffset: 0,
		statusLen:        2,
		stubFile:         "stub_flasher_8266.json",
	}}
}

func (c *ESP8266) readEfuse(ctx context.Context, t Target, word uint32) (uint32, error) {
	return t.ReadReg(ctx, esp8266EfuseRdBase+4*word)
}

// Is8285 reports whether the die carries embedded flash.
func (c *ESP8266) Is8285(ctx context.Context, t Target) (bool, error) {
	efuse0, err := c.readEfuse(ctx, t, 0)
	if err != nil {
		return false, err
	}
	efuse2, err := c.readEfuse(ctx, t, 2)
	if err != nil {
		return false, err
	}
	return efuse0&(1<<4) != 0 || efuse2&(1<<16) != 0, nil
}

// ChipDescription tells the ESP8266EX from the ESP8285.
func (c *ESP8266) ChipDescription(ctx context.Context, t Target) (string, error) {
	is8285, err := c.Is8285(ctx, t)
	if err != nil {
		return "", err
	}
	if is8285 {
		return "ESP8285", nil
	}
	return "ESP8266EX", nil
}

// ChipFeatures lists Wi-Fi plus embedded flash on the ESP8285.
func (c *ESP8266) ChipFeatures(ctx context.Context, t Target) ([]string, error) {
	features := []string{"WiFi"}
	is8285, err := c.Is8285(ctx, t)
	if err != nil {
		return nil, err
	}
	if is8285 {
		features = append(features, "Embedded Flash")
	}
	return features, nil
}

// CrystalFreq infers the crystal from the UART clock divider.
func (c *ESP8266) CrystalFreq(ctx context.Context, t Target) (int, error) {
	return readXtal(ctx, t, c.regs, esp8266XtalDivider)
}

// ReadMAC assembles the MAC from the eFuse NIC bytes and an OUI that is
// either burned in word 3 or selected by a flag in word 1. An unrecognised
// flag leaves the OUI as "??".
func (c *ESP8266) ReadMAC(ctx context.Context, t Target) (string, error) {
	mac0, err := c.readEfuse(ctx, t, 0)
	if err != nil {
		return "", err
	}
	mac1, err := c.readEfuse(ctx, t, 1)
	if err != nil {
		return "", err
	}
	mac3, err := c.readEfuse(ctx, t, 3)
	if err != nil {
		return "", err
	}

	nic := FormatMAC([]byte{byte(mac1 >> 8), byte(mac1), byte(mac0 >> 24)})

	var oui []byte
	switch {
	case mac3 != 0:
		oui = []byte{byte(mac3 >> 16), byte(mac3 >> 8), byte(mac3)}
	case (mac1>>16)&0xff == 0:
		oui = []byte{0x18, 0xfe, 0x34}
	case (mac1>>16)&0xff == 1:
		oui = []byte{0xac, 0xd0, 0x74}
	default:
		return "??:??:??:" + nic, nil
	}
	return FormatMAC(oui) + ":" + nic, nil
}

// EraseSize works around the ROM erasing whole 64KB blocks past the first
// partial block, which would otherwise double the erased area.
func (c *ESP8266) EraseSize(offset, size uint32) uint32 {
	numSectors := (size + esp8266SectorSize - 1) / esp8266SectorSize
	startSector := offset / esp8266SectorSize

	headSectors := esp8266SectorsBlock - startSector%esp8266SectorsBlock
	if numSectors < headSectors {
		headSectors = numSectors
	}

	if numSectors < 2*headSectors {
		return (numSectors + 1) / 2 * esp8266SectorSize
	}
	return (numSectors - headSectors) * esp8266SectorSize
}
