package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
)

func (s *Session) traceBytes(label string, b []byte) {
	if !s.tracing {
		return
	}
	now := time.Now()
	delta := now.Sub(s.lastTrace)
	s.lastTrace = now
	glog.V(2).Infof("TRACE %.3f %s %d bytes: %s", delta.Seconds(), label, len(b), hexConvert(b, true))
}

func hexify(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, "%02x", c)
	}
	return fmt.Sprintf("%-16s", sb.String())
}

// hexConvert renders b as hex. With autoSplit, input longer than 16 bytes is
// broken into lines of two 8-byte groups plus a printable-ASCII column.
func hexConvert(b []byte, autoSplit bool) string {
	if !autoSplit || len(b) <= 16 {
		return hexify(b)
	}

	var sb strings.Builder
	for len(b) > 0 {
		n := 16
		if len(b) < n {
			n = len(b)
		}
		line := b[:n]
		b = b[n:]

		ascii := make([]byte, len(line))
		for i, c := range line {
			if c >= ' ' && c <= '~' {
				ascii[i] = c
			} else {
				ascii[i] = '.'
			}
		}

		half := 8
		if len(line) < half {
			half = len(line)
		}
		fmt.Fprintf(&sb, "\n    %s %s | %s", hexify(line[:half]), hexify(line[half:]), ascii)
	}
	return sb.String()
}
