package chip

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
)

// fakeTarget serves register reads from a map. Unknown addresses read as
// zero unless failAt matches.
type fakeTarget struct {
	regs   map[uint32]uint32
	writes []regWrite
	baud   int
	failAt uint32
	reads  []uint32
}

type regWrite struct {
	addr, value uint32
}

var errReadFailed = errors.New("read failed")

func newFakeTarget(regs map[uint32]uint32) *fakeTarget {
	if regs == nil {
		regs = map[uint32]uint32{}
	}
	return &fakeTarget{regs: regs, baud: 115200}
}

func (f *fakeTarget) ReadReg(ctx context.Context, addr uint32) (uint32, error) {
	f.reads = append(f.reads, addr)
	if f.failAt != 0 && addr == f.failAt {
		return 0, errReadFailed
	}
	return f.regs[addr], nil
}

func (f *fakeTarget) WriteReg(ctx context.Context, addr, value uint32) error {
	f.writes = append(f.writes, regWrite{addr, value})
	return nil
}

func (f *fakeTarget) BaudRate() int {
	return f.baud
}

func TestAssembleMAC(t *testing.T) {
	tests := []struct {
		word0, word1 uint32
		expected     string
	}{
		{0x0A0B0C0D, 0x0000EEFF, "ee:ff:0a:0b:0c:0d"},
		{0x00000000, 0x00000000, "00:00:00:00:00:00"},
		{0x12345678, 0xFFFF0102, "01:02:12:34:56:78"},
	}

	for _, tc := range tests {
		if got := AssembleMAC(tc.word0, tc.word1); got != tc.expected {
			t.Errorf("AssembleMAC(0x%08X, 0x%08X) = %q, want %q", tc.word0, tc.word1, got, tc.expected)
		}
	}
}

func TestXtalFromClkDiv(t *testing.T) {
	tests := []struct {
		clkDiv   uint32
		baud     int
		divider  int
		expected int
	}{
		{347, 115200, 1, 40}, // 40 MHz / 115200
		{226, 115200, 1, 26}, // 26 MHz / 115200
		{694, 115200, 2, 40},
		{0, 115200, 0, 26},
	}

	for _, tc := range tests {
		if got := XtalFromClkDiv(tc.clkDiv, tc.baud, tc.divider); got != tc.expected {
			t.Errorf("XtalFromClkDiv(%d, %d, %d) = %d, want %d", tc.clkDiv, tc.baud, tc.divider, got, tc.expected)
		}
	}
}

func TestFlashSizeFromID(t *testing.T) {
	tests := []struct {
		id       uint32
		expected string
	}{
		{0x164020, "4MB"},
		{0x184068, "16MB"},
		{0x1540ef, "2MB"},
		{0x004020, "unknown"},
		{0xff4020, "unknown"},
	}

	for _, tc := range tests {
		if got := FlashSizeFromID(tc.id); got != tc.expected {
			t.Errorf("FlashSizeFromID(0x%06X) = %q, want %q", tc.id, got, tc.expected)
		}
	}
}

const s2Word3 = esp32s2Block1Addr + 12

func TestESP32S2_ChipDescription(t *testing.T) {
	tests := []struct {
		word3    uint32
		expected string
	}{
		{0 << 21, "ESP32-S2"},
		{1 << 21, "ESP32-S2FH16"},
		{2 << 21, "ESP32-S2FH32"},
		{7 << 21, "unknown ESP32-S2"},
		{0xf << 21, "unknown ESP32-S2"},
	}

	c := NewESP32S2()
	for _, tc := range tests {
		target := newFakeTarget(map[uint32]uint32{s2Word3: tc.word3})
		got, err := c.ChipDescription(context.Background(), target)
		if err != nil {
			t.Fatalf("ChipDescription() error = %v", err)
		}
		if got != tc.expected {
			t.Errorf("ChipDescription(word3=0x%08X) = %q, want %q", tc.word3, got, tc.expected)
		}
	}
}

func TestESP32S2_ReadsBlock1Word3(t *testing.T) {
	target := newFakeTarget(nil)
	if _, err := NewESP32S2().PkgVersion(context.Background(), target); err != nil {
		t.Fatalf("PkgVersion() error = %v", err)
	}
	if len(target.reads) != 1 || target.reads[0] != 0x3f41a050 {
		t.Errorf("PkgVersion() read %#v, want [0x3f41a050]", target.reads)
	}
}

func TestESP32S2_ChipFeatures(t *testing.T) {
	tests := []struct {
		name     string
		word3    uint32
		blk2     uint32
		expected []string
	}{
		{
			name:  "no embedded memory",
			word3: 0,
			blk2:  0,
			expected: []string{
				"Wi-Fi",
				"No Embedded Flash",
				"No Embedded PSRAM",
				"No calibration in BLK2 of efuse",
			},
		},
		{
			name:  "flash and psram",
			word3: 2<<21 | 1<<28,
			blk2:  1 << 4,
			expected: []string{
				"Wi-Fi",
				"Embedded Flash 4MB",
				"Embedded PSRAM 2MB",
				"ADC and temperature sensor calibration in BLK2 of efuse V1",
			},
		},
		{
			name:  "unknown codes",
			word3: 9<<21 | 5<<28,
			blk2:  7 << 4,
			expected: []string{
				"Wi-Fi",
				"Unknown Embedded Flash",
				"Unknown Embedded PSRAM",
				"Unknown Calibration in BLK2",
			},
		},
	}

	c := NewESP32S2()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target := newFakeTarget(map[uint32]uint32{
				s2Word3:                tc.word3,
				esp32s2Block2Addr + 16: tc.blk2,
			})
			got, err := c.ChipFeatures(context.Background(), target)
			if err != nil {
				t.Fatalf("ChipFeatures() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("ChipFeatures() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestESP32S2_ReadMAC(t *testing.T) {
	target := newFakeTarget(map[uint32]uint32{
		0x3f41a044: 0x0A0B0C0D,
		0x3f41a048: 0x1234EEFF,
	})
	got, err := NewESP32S2().ReadMAC(context.Background(), target)
	if err != nil {
		t.Fatalf("ReadMAC() error = %v", err)
	}
	if got != "ee:ff:0a:0b:0c:0d" {
		t.Errorf("ReadMAC() = %q, want ee:ff:0a:0b:0c:0d", got)
	}
}

func TestESP32S2_ReadErrorPropagates(t *testing.T) {
	target := newFakeTarget(nil)
	target.failAt = s2Word3

	c := NewESP32S2()
	if _, err := c.ChipDescription(context.Background(), target); !errors.Is(err, errReadFailed) {
		t.Errorf("ChipDescription() error = %v, want %v", err, errReadFailed)
	}
	if _, err := c.ChipFeatures(context.Background(), target); !errors.Is(err, errReadFailed) {
		t.Errorf("ChipFeatures() error = %v, want %v", err, errReadFailed)
	}
}

func TestESP32C3_ChipDescription(t *testing.T) {
	word3 := uint32(esp32c3EfuseBase + 0x044 + 12)
	tests := []struct {
		value    uint32
		expected string
	}{
		{3 << 18, "ESP32-C3 (revision 3)"},
		{1<<21 | 4<<18, "unknown ESP32-C3 (revision 4)"},
	}

	for _, tc := range tests {
		target := newFakeTarget(map[uint32]uint32{word3: tc.value})
		got, err := NewESP32C3().ChipDescription(context.Background(), target)
		if err != nil {
			t.Fatalf("ChipDescription() error = %v", err)
		}
		if got != tc.expected {
			t.Errorf("ChipDescription(0x%08X) = %q, want %q", tc.value, got, tc.expected)
		}
	}
}

func TestESP32S3_ChipDescription(t *testing.T) {
	word3 := uint32(esp32s3EfuseBase + 0x044 + 12)
	target := newFakeTarget(map[uint32]uint32{word3: 1 << 18})
	got, err := NewESP32S3().ChipDescription(context.Background(), target)
	if err != nil {
		t.Fatalf("ChipDescription() error = %v", err)
	}
	if got != "ESP32-S3 (revision 1)" {
		t.Errorf("ChipDescription() = %q, want ESP32-S3 (revision 1)", got)
	}
}

func TestESP32_ChipDescription(t *testing.T) {
	efuse := func(word uint32) uint32 { return esp32EfuseRdBase + 4*word }

	tests := []struct {
		name     string
		regs     map[uint32]uint32
		expected string
	}{
		{
			name:     "D0WDQ6 revision 0",
			regs:     map[uint32]uint32{},
			expected: "ESP32-D0WDQ6 (revision 0)",
		},
		{
			name: "D0WD V3",
			regs: map[uint32]uint32{
				efuse(3):            1<<9 | 1<<15,
				efuse(5):            1 << 20,
				esp32ApbCtlDateAddr: 1 << 31,
			},
			expected: "ESP32-D0WD-V3 (revision 3)",
		},
		{
			name:     "single core",
			regs:     map[uint32]uint32{efuse(3): 1},
			expected: "ESP32-S0WDQ6 (revision 0)",
		},
		{
			name: "single core V3",
			regs: map[uint32]uint32{
				efuse(3):            1 | 1<<15,
				efuse(5):            1 << 20,
				esp32ApbCtlDateAddr: 1 << 31,
			},
			expected: "ESP32-S0WDQ6 (revision 3)",
		},
		{
			name: "D0WDR2 V3",
			regs: map[uint32]uint32{
				efuse(3):            7<<9 | 1<<15,
				efuse(5):            1 << 20,
				esp32ApbCtlDateAddr: 1 << 31,
			},
			expected: "ESP32-D0WDR2-V3 (revision 3)",
		},
		{
			name:     "PICO-D4 revision 1",
			regs:     map[uint32]uint32{efuse(3): 5<<9 | 1<<15},
			expected: "ESP32-PICO-D4 (revision 1)",
		},
		{
			name:     "unknown package",
			regs:     map[uint32]uint32{efuse(3): 1 << 2},
			expected: "unknown ESP32 (revision 0)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewESP32().ChipDescription(context.Background(), newFakeTarget(tc.regs))
			if err != nil {
				t.Fatalf("ChipDescription() error = %v", err)
			}
			if got != tc.expected {
				t.Errorf("ChipDescription() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestESP32_ChipFeatures(t *testing.T) {
	efuse := func(word uint32) uint32 { return esp32EfuseRdBase + 4*word }
	target := newFakeTarget(map[uint32]uint32{
		efuse(3): 1<<13 | 1<<12 | 5<<9,
		efuse(4): 3 << 8,
		efuse(6): 1,
	})

	got, err := NewESP32().ChipFeatures(context.Background(), target)
	if err != nil {
		t.Fatalf("ChipFeatures() error = %v", err)
	}
	expected := []string{
		"Wi-Fi",
		"BT",
		"Dual Core",
		"160MHz",
		"Embedded Flash",
		"VRef calibration in efuse",
		"Coding Scheme 3/4",
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("ChipFeatures() = %q, want %q", got, expected)
	}
}

func TestESP32_CrystalFreq(t *testing.T) {
	target := newFakeTarget(map[uint32]uint32{0x3ff40014: 0xFFF00000 | 347})
	got, err := NewESP32().CrystalFreq(context.Background(), target)
	if err != nil {
		t.Fatalf("CrystalFreq() error = %v", err)
	}
	if got != 40 {
		t.Errorf("CrystalFreq() = %d, want 40", got)
	}
}

func TestESP8266_ChipDescription(t *testing.T) {
	tests := []struct {
		efuse0, efuse2 uint32
		expected       string
	}{
		{0, 0, "ESP8266EX"},
		{1 << 4, 0, "ESP8285"},
		{0, 1 << 16, "ESP8285"},
	}

	for _, tc := range tests {
		target := newFakeTarget(map[uint32]uint32{
			esp8266EfuseRdBase:     tc.efuse0,
			esp8266EfuseRdBase + 8: tc.efuse2,
		})
		got, err := NewESP8266().ChipDescription(context.Background(), target)
		if err != nil {
			t.Fatalf("ChipDescription() error = %v", err)
		}
		if got != tc.expected {
			t.Errorf("ChipDescription(0x%X, 0x%X) = %q, want %q", tc.efuse0, tc.efuse2, got, tc.expected)
		}
	}
}

func TestESP8266_ReadMAC(t *testing.T) {
	tests := []struct {
		name             string
		mac0, mac1, mac3 uint32
		expected         string
	}{
		{"burned OUI", 0xAB000000, 0x0000CDEF, 0x00112233, "11:22:33:cd:ef:ab"},
		{"espressif OUI 0", 0xAB000000, 0x0000CDEF, 0, "18:fe:34:cd:ef:ab"},
		{"espressif OUI 1", 0xAB000000, 0x0001CDEF, 0, "ac:d0:74:cd:ef:ab"},
		{"unknown OUI", 0xAB000000, 0x0005CDEF, 0, "??:??:??:cd:ef:ab"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target := newFakeTarget(map[uint32]uint32{
				esp8266EfuseRdBase:      tc.mac0,
				esp8266EfuseRdBase + 4:  tc.mac1,
				esp8266EfuseRdBase + 12: tc.mac3,
			})
			got, err := NewESP8266().ReadMAC(context.Background(), target)
			if err != nil {
				t.Fatalf("ReadMAC() error = %v", err)
			}
			if got != tc.expected {
				t.Errorf("ReadMAC() = %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestEraseSize(t *testing.T) {
	tests := []struct {
		name         string
		d            Descriptor
		offset, size uint32
		expected     uint32
	}{
		{"esp32s2 passthrough", NewESP32S2(), 0x10000, 0x12345, 0x12345},
		{"esp8266 one sector", NewESP8266(), 0, 0x1000, 0x1000},
		{"esp8266 short head", NewESP8266(), 0, 0x3000, 0x2000},
		{"esp8266 two sectors", NewESP8266(), 0, 0x2000, 0x1000},
		{"esp8266 four sectors", NewESP8266(), 0, 0x4000, 0x2000},
		{"esp8266 even head", NewESP8266(), 0xE000, 0x4000, 0x2000},
		{"esp8266 full block", NewESP8266(), 0, 0x20000, 0x10000},
		{"esp8266 unaligned", NewESP8266(), 0xF000, 0x4000, 0x3000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.EraseSize(tc.offset, tc.size); got != tc.expected {
				t.Errorf("EraseSize(0x%X, 0x%X) = 0x%X, want 0x%X", tc.offset, tc.size, got, tc.expected)
			}
		})
	}
}

func TestReadFlashID(t *testing.T) {
	spi := NewESP32S2().Registers().SPI
	target := newFakeTarget(map[uint32]uint32{
		spi.Base + spi.W0:  0xAA164020,
		spi.Base + spi.USR: 0x11,
	})

	id, err := ReadFlashID(context.Background(), NewESP32S2(), target)
	if err != nil {
		t.Fatalf("ReadFlashID() error = %v", err)
	}
	if id != 0x164020 {
		t.Errorf("ReadFlashID() = 0x%X, want 0x164020", id)
	}

	want := []regWrite{
		{spi.Base + spi.MISODLen, 23},
		{spi.Base + spi.USR, spiUsrCommand | spiUsrMISO},
		{spi.Base + spi.USR2, 7<<28 | 0x9F},
		{spi.Base + spi.W0, 0},
		{spi.Base, spiCmdUsr},
		{spi.Base + spi.USR, 0x11},
		{spi.Base + spi.USR2, 0},
	}
	if !reflect.DeepEqual(target.writes, want) {
		t.Errorf("ReadFlashID() writes = %#v, want %#v", target.writes, want)
	}
}

func TestReadFlashID_LegacyLengths(t *testing.T) {
	spi := NewESP8266().Registers().SPI
	target := newFakeTarget(nil)

	if _, err := ReadFlashID(context.Background(), NewESP8266(), target); err != nil {
		t.Fatalf("ReadFlashID() error = %v", err)
	}
	if target.writes[0] != (regWrite{spi.Base + spi.USR1, 23 << 8}) {
		t.Errorf("first write = %#v, want USR1 bit length", target.writes[0])
	}
}

func TestReadFlashID_Stuck(t *testing.T) {
	spi := NewESP32S2().Registers().SPI
	target := newFakeTarget(map[uint32]uint32{spi.Base: spiCmdUsr})

	if _, err := ReadFlashID(context.Background(), NewESP32S2(), target); err == nil {
		t.Error("ReadFlashID() with busy command register expected error, got nil")
	}
}

func TestIdentify(t *testing.T) {
	spi := NewESP32S2().Registers().SPI
	target := newFakeTarget(map[uint32]uint32{
		s2Word3:           1 << 21,
		0x3f41a044:        0x0A0B0C0D,
		0x3f41a048:        0x0000EEFF,
		spi.Base + spi.W0: 0x164020,
	})

	facts, err := Identify(context.Background(), NewESP32S2(), target, IdentifyOptions{Flash: true})
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if facts.Chip != "ESP32-S2" || facts.Description != "ESP32-S2FH16" {
		t.Errorf("Identify() chip = %q/%q, want ESP32-S2/ESP32-S2FH16", facts.Chip, facts.Description)
	}
	if facts.MAC != "ee:ff:0a:0b:0c:0d" {
		t.Errorf("Identify() MAC = %q", facts.MAC)
	}
	if facts.CrystalMHz != 40 {
		t.Errorf("Identify() CrystalMHz = %d, want 40", facts.CrystalMHz)
	}
	if facts.FlashSize != "4MB" {
		t.Errorf("Identify() FlashSize = %q, want 4MB", facts.FlashSize)
	}
	if len(facts.Features) != 4 || facts.Features[1] != "Embedded Flash 2MB" {
		t.Errorf("Identify() Features = %q", facts.Features)
	}
}

func TestIdentify_ErrorPropagates(t *testing.T) {
	target := newFakeTarget(nil)
	target.failAt = 0x3f41a044

	if _, err := Identify(context.Background(), NewESP32S2(), target, IdentifyOptions{}); !errors.Is(err, errReadFailed) {
		t.Errorf("Identify() error = %v, want %v", err, errReadFailed)
	}
}

func TestLoadStub(t *testing.T) {
	fsys := fstest.MapFS{
		"stub_flasher_32s2.json": &fstest.MapFile{Data: []byte(`{
			"text_start": 1073905664,
			"entry": 1073907520,
			"data_start": 1073741824,
			"text": "AQIDBA==",
			"data": "BQY="
		}`)},
	}

	stub, err := LoadStub(fsys, NewESP32S2())
	if err != nil {
		t.Fatalf("LoadStub() error = %v", err)
	}
	if stub.TextStart != 1073905664 || stub.Entry != 1073907520 || stub.DataStart != 1073741824 {
		t.Errorf("LoadStub() addresses = %+v", stub)
	}
	if !reflect.DeepEqual(stub.Text, []byte{1, 2, 3, 4}) || !reflect.DeepEqual(stub.Data, []byte{5, 6}) {
		t.Errorf("LoadStub() segments = % X / % X", stub.Text, stub.Data)
	}

	if _, err := LoadStub(fsys, NewESP32C3()); err == nil {
		t.Error("LoadStub() for a missing file expected error, got nil")
	}
}

func TestParseStub_Invalid(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"text": "!!!"}`,
		`{"text": "", "data": ""}`,
	}

	for _, in := range inputs {
		if _, err := ParseStub([]byte(in)); err == nil {
			t.Errorf("ParseStub(%q) expected error, got nil", in)
		}
	}
}
