// Package frame implements the BEEP wire framing layer (spec.md §4.1,
// §6): encoding and parsing of RFC 3081 data frames and SEQ frames.
//
// Header syntax (ASCII): "TYPE channel msgno more seqno size[ ansno]\r\n"
// followed by exactly size octets of body and a trailing "END\r\n". A SEQ
// frame is "SEQ channel ackno window\r\n" with no body and no trailer.
package frame

import "fmt"

// Type is one of the six BEEP frame types.
type Type uint8

const (
	MSG Type = iota
	RPY
	ERR
	ANS
	NUL
	SEQ
)

var typeNames = map[Type]string{
	MSG: "MSG",
	RPY: "RPY",
	ERR: "ERR",
	ANS: "ANS",
	NUL: "NUL",
	SEQ: "SEQ",
}

var namesToType = map[string]Type{
	"MSG": MSG,
	"RPY": RPY,
	"ERR": ERR,
	"ANS": ANS,
	"NUL": NUL,
	"SEQ": SEQ,
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsDataType reports whether t carries a body and trailer (everything
// except SEQ).
func (t Type) IsDataType() bool { return t != SEQ }

// Frame is the decoded representation of one wire frame. For Type == SEQ
// only Channel, Ackno and Window are meaningful; for all other types
// Ackno/Window are unused and Msgno/More/Seqno/Size/Payload apply.
type Frame struct {
	Type    Type
	Channel uint32
	Msgno   uint32
	// More is true for an intermediate ("*") frame of a fragmented
	// message, false for the terminal (".") frame.
	More bool
	// Seqno is the running count of payload octets sent on the channel
	// before this frame, modulo 2^32.
	Seqno uint32
	Size  uint32

	HasAnsno bool
	Ansno    uint32

	// Ackno and Window are populated for Type == SEQ.
	Ackno  uint32
	Window uint32

	// Payload holds the raw body bytes exactly as they appeared on the
	// wire (including any leading MIME header block on the first frame
	// of a message — mime.Split extracts it at the reassembly layer,
	// since only the channel knows whether this msgno is starting a new
	// message or continuing one already in flight).
	Payload []byte
}

// PayloadLen returns the byte count the sequencer/channel should use for
// seqno/window accounting: the wire-level payload size, independent of
// whether it happens to embed MIME headers.
func (f *Frame) PayloadLen() uint32 { return f.Size }
