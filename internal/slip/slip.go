package slip

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	// Pre-allocate with some extra space for escapes
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Decode extracts the first complete packet from a byte stream.
//
// Bytes before the opening END are skipped. When no closing END has arrived
// yet, ok is false and leftover is the whole input, so the caller can append
// the next chunk and try again. Otherwise packet is the unescaped payload and
// leftover holds everything after the closing END.
//
// Empty frames (END END) are skipped. A frame whose last byte is a dangling
// ESC cannot be resolved; it is dropped and its closing END reopens a frame.
func Decode(data []byte) (packet []byte, leftover []byte, ok bool) {
	start := -1
	for i, b := range data {
		if b != End {
			continue
		}
		if start == -1 || i == start {
			start = i + 1
			continue
		}
		if data[i-1] == Esc {
			// ESC END never occurs in a valid stream
			start = i + 1
			continue
		}
		return Unescape(data[start:i]), data[i+1:], true
	}

	return nil, data, false
}

// Unescape resolves escape pairs in the span between two END bytes.
// An ESC followed by any other byte is kept together with that byte.
func Unescape(span []byte) []byte {
	result := make([]byte, 0, len(span))

	for i := 0; i < len(span); i++ {
		if span[i] == Esc && i+1 < len(span) {
			switch span[i+1] {
			case EscEnd:
				result = append(result, End)
				i++
				continue
			case EscEsc:
				result = append(result, Esc)
				i++
				continue
			}
		}
		result = append(result, span[i])
	}

	return result
}
