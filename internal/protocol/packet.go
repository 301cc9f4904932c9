package protocol

import (
	"encoding/binary"
	"fmt"
)

// Request represents an ESP bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a request for a command that carries no checksummed data.
func NewRequest(cmd byte, data []byte) *Request {
	return &Request{
		Command: cmd,
		Data:    data,
	}
}

// NewDataRequest creates a request whose checksum covers payload only;
// header precedes payload on the wire.
func NewDataRequest(cmd byte, header, payload []byte) *Request {
	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)
	return &Request{
		Command:  cmd,
		Data:     data,
		Checksum: Checksum(payload),
	}
}

// Checksum is the XOR of all data bytes, seeded with 0xEF.
func Checksum(data []byte) uint32 {
	var checksum byte = 0xEF
	for _, b := range data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// Packet format:
	// 0: direction (0x00 = request)
	// 1: command
	// 2-3: data size (little-endian)
	// 4-7: checksum (little-endian, only for data commands)
	// 8+: data

	size := uint16(len(r.Data))
	packet := make([]byte, 8+len(r.Data))

	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], size)
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[8:], r.Data)

	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
//
// statusLen is the number of trailing status bytes: 2 for the ESP8266 ROM
// and flasher stubs, 4 for later ROMs. A value <= 0 treats the whole data
// section as status, which is correct for every command that returns no
// payload of its own.
func DecodeResponse(data []byte, statusLen int) (*Response, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
	}

	dataSize := int(binary.LittleEndian.Uint16(data[2:4]))
	resp.Value = binary.LittleEndian.Uint32(data[4:8])

	if dataSize > len(data)-8 {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-8)
	}

	body := data[8 : 8+dataSize]
	n := statusLen
	if n <= 0 || n > len(body) {
		n = len(body)
	}
	if n < 2 {
		return nil, fmt.Errorf("response has %d status bytes, need 2", n)
	}

	status := body[len(body)-n:]
	resp.Data = body[:len(body)-n]
	resp.Status = status[0]
	resp.Error = status[1]

	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

// ReadRegData creates the data payload for READ_REG command.
func ReadRegData(addr uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	return data
}

// WriteRegData creates the data payload for WRITE_REG command.
func WriteRegData(addr, value, mask, delayUs uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], addr)
	binary.LittleEndian.PutUint32(data[4:8], value)
	binary.LittleEndian.PutUint32(data[8:12], mask)
	binary.LittleEndian.PutUint32(data[12:16], delayUs)
	return data
}

// MemBeginData creates the data payload for MEM_BEGIN command.
func MemBeginData(size, numBlocks, blockSize, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}

// MemDataHeader creates the 16-byte header preceding a MEM_DATA block.
func MemDataHeader(blockLen int, seq uint32) []byte {
	// Header: size (4) + seq (4) + reserved (8)
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(blockLen))
	binary.LittleEndian.PutUint32(header[4:8], seq)
	return header
}

// MemEndData creates the data payload for MEM_END command.
// A zero entry point leaves the loader running instead of jumping.
func MemEndData(entry uint32) []byte {
	data := make([]byte, 8)
	if entry == 0 {
		binary.LittleEndian.PutUint32(data[0:4], 1)
	}
	binary.LittleEndian.PutUint32(data[4:8], entry)
	return data
}

// SpiAttachData creates the data payload for SPI_ATTACH command.
func SpiAttachData() []byte {
	// All zeros means use default SPI configuration
	return make([]byte, 8)
}

// ChangeBaudData creates the data payload for CHANGE_BAUDRATE command.
// oldBaud is zero when talking to the ROM.
func ChangeBaudData(newBaud, oldBaud uint32) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], newBaud)
	binary.LittleEndian.PutUint32(data[4:8], oldBaud)
	return data
}

// CalculateBlocks returns the number of blocks needed for dataLen bytes.
func CalculateBlocks(dataLen, blockSize int) uint32 {
	return uint32((dataLen + blockSize - 1) / blockSize)
}

// SecurityInfo is the payload of GET_SECURITY_INFO.
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt byte
	KeyPurposes   [7]byte
	// ChipID and APIVersion are only reported by chips newer than ESP32-S2.
	HasChipID  bool
	ChipID     uint32
	APIVersion uint32
}

// ParseSecurityInfo parses GET_SECURITY_INFO response data.
func ParseSecurityInfo(data []byte) (*SecurityInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("security info too short: %d bytes", len(data))
	}

	info := &SecurityInfo{
		Flags:         binary.LittleEndian.Uint32(data[0:4]),
		FlashCryptCnt: data[4],
	}
	copy(info.KeyPurposes[:], data[5:12])

	if len(data) >= 20 {
		info.HasChipID = true
		info.ChipID = binary.LittleEndian.Uint32(data[12:16])
		info.APIVersion = binary.LittleEndian.Uint32(data[16:20])
	}

	return info, nil
}
