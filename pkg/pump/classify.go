package pump

import (
	"encoding/json"
)

// rawThreshold is the inbound length at or below which a message is always
// raw keystrokes. Control sequences such as a bare ETX or a three-byte arrow
// escape must never be fed to the JSON parser.
const rawThreshold = 3

// InboundKind classifies one inbound client message.
type InboundKind int

// Inbound message kinds.
const (
	// KindRaw is keystroke bytes forwarded verbatim to container stdin.
	KindRaw InboundKind = iota
	// KindResize is a terminal resize request.
	KindResize
	// KindData is stdin payload wrapped in a JSON data frame.
	KindData
)

// Inbound is the result of classifying one client message.
type Inbound struct {
	Kind InboundKind
	// Cols and Rows are set for KindResize.
	Cols uint
	Rows uint
	// Data is the stdin payload for KindData.
	Data []byte
}

// controlMessage is the union of recognised JSON control shapes. Data doubles
// as the nested resize object and as the data-frame payload.
type controlMessage struct {
	Type string          `json:"type"`
	Cols *uint           `json:"cols"`
	Rows *uint           `json:"rows"`
	Data json.RawMessage `json:"data"`
}

type resizeDims struct {
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}

// Classify decides whether an inbound message is a JSON control frame or raw
// keystrokes. Anything that is short, non-JSON, or JSON of an unrecognised
// shape is raw; the bytes are forwarded untouched.
func Classify(msg []byte) Inbound {
	if len(msg) <= rawThreshold {
		return Inbound{Kind: KindRaw}
	}

	var ctl controlMessage
	if err := json.Unmarshal(msg, &ctl); err != nil {
		return Inbound{Kind: KindRaw}
	}

	switch ctl.Type {
	case "resize":
		if ctl.Cols != nil && ctl.Rows != nil {
			return Inbound{Kind: KindResize, Cols: *ctl.Cols, Rows: *ctl.Rows}
		}
		if len(ctl.Data) > 0 {
			var dims resizeDims
			if err := json.Unmarshal(ctl.Data, &dims); err == nil && dims.Cols > 0 && dims.Rows > 0 {
				return Inbound{Kind: KindResize, Cols: dims.Cols, Rows: dims.Rows}
			}
		}
		return Inbound{Kind: KindRaw}
	case "data":
		var payload string
		if err := json.Unmarshal(ctl.Data, &payload); err == nil {
			return Inbound{Kind: KindData, Data: []byte(payload)}
		}
		return Inbound{Kind: KindRaw}
	default:
		return Inbound{Kind: KindRaw}
	}
}
