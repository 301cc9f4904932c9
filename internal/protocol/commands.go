package protocol

import "fmt"

// ESP ROM bootloader commands
const (
	CmdMemBegin        = 0x05
	CmdMemEnd          = 0x06
	CmdMemData         = 0x07
	CmdSync            = 0x08
	CmdWriteReg        = 0x09
	CmdReadReg         = 0x0A
	CmdSpiSetParams    = 0x0B
	CmdSpiAttach       = 0x0D
	CmdChangeBaudrate  = 0x0F
	CmdGetSecurityInfo = 0x14
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// RAM download parameters
const (
	RAMBlockSize = 0x1800 // 6KB blocks for MEM_DATA
)

// ChipDetectMagicRegAddr holds a per-family constant on every chip that
// predates GET_SECURITY_INFO chip IDs.
const ChipDetectMagicRegAddr = 0x40001000

// Default baud rate of the ROM loader
const DefaultBaudRate = 115200

// CommandName returns a human-readable command name.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdMemBegin:
		return "MEM_BEGIN"
	case CmdMemEnd:
		return "MEM_END"
	case CmdMemData:
		return "MEM_DATA"
	case CmdSync:
		return "SYNC"
	case CmdWriteReg:
		return "WRITE_REG"
	case CmdReadReg:
		return "READ_REG"
	case CmdSpiSetParams:
		return "SPI_SET_PARAMS"
	case CmdSpiAttach:
		return "SPI_ATTACH"
	case CmdChangeBaudrate:
		return "CHANGE_BAUDRATE"
	case CmdGetSecurityInfo:
		return "GET_SECURITY_INFO"
	default:
		return fmt.Sprintf("CMD_0x%02X", cmd)
	}
}

// Error codes from ROM bootloader
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
