package loader

import (
	"fmt"

	"github.com/bigbag/espprobe/internal/protocol"
)

// CommandError is a response that arrived with a failure status.
type CommandError struct {
	Op     byte
	Status byte
	Code   byte
}

func newCommandError(op byte, resp *protocol.Response) *CommandError {
	return &CommandError{Op: op, Status: resp.Status, Code: resp.Error}
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed: status=0x%02X error=0x%02X (%s)",
		protocol.CommandName(e.Op), e.Status, e.Code, protocol.ErrorMessage(e.Code))
}
