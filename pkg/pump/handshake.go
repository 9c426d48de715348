package pump

import (
	"bytes"
	"encoding/json"
	"strings"
)

// maxHandshakeWindow bounds how many leading bytes the swallower may hold
// while deciding. The attach handshake is well under this; anything larger is
// application output.
const maxHandshakeWindow = 512

// handshakeKeys are the fields the runtime-injected attach handshake may
// carry. An object is treated as the handshake only when every key it has is
// from this set.
var handshakeKeys = map[string]struct{}{
	"stream": {},
	"stdin":  {},
	"stdout": {},
	"stderr": {},
	"hijack": {},
}

// handshakeSwallower strips the JSON handshake the runtime may inject at the
// head of a raw TTY stream. It is a small state machine so the handshake can
// span two reads: bytes are held until the leading object either completes or
// is ruled out, and stripping happens at most once. Application bytes before
// and after the object are preserved.
type handshakeSwallower struct {
	done bool
	held []byte
}

// Feed consumes one chunk from the container stream and returns the bytes to
// forward. While a potential handshake is still incomplete, Feed returns nil
// and holds the chunk.
func (h *handshakeSwallower) Feed(chunk []byte) []byte {
	if h.done {
		return chunk
	}

	h.held = append(h.held, chunk...)

	start := bytes.IndexByte(h.held, '{')
	if start < 0 {
		// No object can start in what we have seen; the stream begins with
		// plain output.
		return h.flush()
	}

	end, complete := scanObject(h.held[start:])
	if !complete {
		if len(h.held) > maxHandshakeWindow || !couldBeHandshake(h.held[start:]) {
			return h.flush()
		}
		// Hold everything until the object completes or the window fills.
		return nil
	}

	candidate := h.held[start : start+end]
	if !isHandshake(candidate) {
		return h.flush()
	}

	out := make([]byte, 0, len(h.held)-len(candidate))
	out = append(out, h.held[:start]...)
	out = append(out, h.held[start+end:]...)
	h.held = nil
	h.done = true
	if len(out) == 0 {
		return nil
	}
	return out
}

// flush gives up on finding a handshake and releases all held bytes.
func (h *handshakeSwallower) flush() []byte {
	out := h.held
	h.held = nil
	h.done = true
	return out
}

// couldBeHandshake reports whether the incomplete object starting at b[0]
// ('{') could still grow into the attach handshake. The runtime emits it
// compactly, so the byte after the brace must open the first key, and that
// key must come from the handshake set. Ruling candidates out early keeps a
// stray brace in application output from stalling the stream.
func couldBeHandshake(b []byte) bool {
	if len(b) < 2 {
		return true
	}
	if b[1] != '"' {
		return false
	}
	key := b[2:]
	if end := bytes.IndexByte(key, '"'); end >= 0 {
		_, ok := handshakeKeys[string(key[:end])]
		return ok
	}
	// The first key itself is still incomplete.
	for k := range handshakeKeys {
		if strings.HasPrefix(k, string(key)) {
			return true
		}
	}
	return false
}

// scanObject finds the end of the JSON object starting at b[0] ('{'),
// respecting strings and escapes. It returns the index one past the closing
// brace and whether the object is complete within b.
func scanObject(b []byte) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// isHandshake reports whether the candidate object decodes as the attach
// handshake: a JSON object whose keys all belong to the handshake field set.
func isHandshake(candidate []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(candidate, &obj); err != nil {
		return false
	}
	if len(obj) == 0 {
		return false
	}
	for key := range obj {
		if _, ok := handshakeKeys[key]; !ok {
			return false
		}
	}
	return true
}
