package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// DecodeErrorKind enumerates the failure kinds named in spec.md §4.1.
type DecodeErrorKind int

const (
	MalformedHeader DecodeErrorKind = iota
	BadFieldValue
	TrailerMissing
	MimeError
	UnknownType
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedHeader:
		return "MalformedHeader"
	case BadFieldValue:
		return "BadFieldValue"
	case TrailerMissing:
		return "TrailerMissing"
	case MimeError:
		return "MimeError"
	case UnknownType:
		return "UnknownType"
	default:
		return "UnknownDecodeError"
	}
}

// DecodeError is returned by Decode for any malformed input. It is never
// returned for incomplete input — that case returns ErrNeedMore instead.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame: %s: %s", e.Kind, e.Detail)
}

func newDecodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// ErrNeedMore is returned by Decode when buf does not yet contain a full
// frame (header, body, or trailer incomplete). Callers should read more
// bytes from the transport and retry with a larger buffer; buf's bytes
// must be preserved verbatim and presented again, prefixed to anything
// newly read.
var ErrNeedMore = errors.New("frame: need more data")

const crlf = "\r\n"
const trailer = "END\r\n"

// Encode serializes f into a wire frame. For f.Type == SEQ, only
// Channel/Ackno/Window are consulted; use EncodeSeq for clarity instead if
// preferred.
func Encode(f *Frame) ([]byte, error) {
	if f.Type == SEQ {
		return EncodeSeq(f.Channel, f.Ackno, f.Window), nil
	}
	if _, ok := typeNames[f.Type]; !ok {
		return nil, newDecodeErr(UnknownType, "type %v", f.Type)
	}
	if uint32(len(f.Payload)) != f.Size {
		return nil, newDecodeErr(BadFieldValue, "size %d does not match payload length %d", f.Size, len(f.Payload))
	}

	var buf bytes.Buffer
	buf.WriteString(f.Type.String())
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(f.Channel), 10))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(f.Msgno), 10))
	buf.WriteByte(' ')
	if f.More {
		buf.WriteByte('*')
	} else {
		buf.WriteByte('.')
	}
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(f.Seqno), 10))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(f.Size), 10))
	if f.Type == ANS {
		if !f.HasAnsno {
			return nil, newDecodeErr(BadFieldValue, "ANS frame missing ansno")
		}
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatUint(uint64(f.Ansno), 10))
	}
	buf.WriteString(crlf)
	buf.Write(f.Payload)
	buf.WriteString(trailer)
	return buf.Bytes(), nil
}

// EncodeSeq serializes a pure flow-control SEQ frame.
func EncodeSeq(channel, ackno, window uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("SEQ ")
	buf.WriteString(strconv.FormatUint(uint64(channel), 10))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(ackno), 10))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatUint(uint64(window), 10))
	buf.WriteString(crlf)
	return buf.Bytes()
}

// Decode attempts to parse exactly one frame from the front of buf. On
// success it returns the frame and the number of bytes consumed. If buf
// does not yet contain a complete frame it returns ErrNeedMore and the
// caller must retry once more bytes are available, passing the same
// unconsumed prefix. Malformed input returns a *DecodeError and the
// connection must be treated as fatally broken (spec.md §7,
// ProtocolError).
func Decode(buf []byte) (*Frame, int, error) {
	headerEnd := bytes.Index(buf, []byte(crlf))
	if headerEnd < 0 {
		if len(buf) > maxHeaderLine {
			return nil, 0, newDecodeErr(MalformedHeader, "header line exceeds %d bytes with no CRLF", maxHeaderLine)
		}
		return nil, 0, ErrNeedMore
	}
	header := buf[:headerEnd]
	fields := splitFields(header)
	if len(fields) == 0 {
		return nil, 0, newDecodeErr(MalformedHeader, "empty header")
	}

	typ, ok := namesToType[string(fields[0])]
	if !ok {
		return nil, 0, newDecodeErr(UnknownType, "%q", fields[0])
	}

	if typ == SEQ {
		return decodeSeq(fields, headerEnd)
	}
	return decodeData(typ, fields, buf, headerEnd)
}

func decodeSeq(fields [][]byte, headerEnd int) (*Frame, int, error) {
	if len(fields) != 4 {
		return nil, 0, newDecodeErr(MalformedHeader, "SEQ header has %d fields, want 4", len(fields))
	}
	channel, err := parseUint32(fields[1])
	if err != nil {
		return nil, 0, err
	}
	ackno, err := parseUint32(fields[2])
	if err != nil {
		return nil, 0, err
	}
	window, err := parseUint32(fields[3])
	if err != nil {
		return nil, 0, err
	}
	return &Frame{Type: SEQ, Channel: channel, Ackno: ackno, Window: window}, headerEnd + len(crlf), nil
}

func decodeData(typ Type, fields [][]byte, buf []byte, headerEnd int) (*Frame, int, error) {
	minFields, maxFields := 6, 6
	if typ == ANS {
		minFields, maxFields = 7, 7
	}
	if len(fields) < minFields || len(fields) > maxFields {
		return nil, 0, newDecodeErr(MalformedHeader, "%s header has %d fields", typ, len(fields))
	}

	channel, err := parseUint32(fields[1])
	if err != nil {
		return nil, 0, err
	}
	msgno, err := parseUint32(fields[2])
	if err != nil {
		return nil, 0, err
	}

	var more bool
	switch string(fields[3]) {
	case "*":
		more = true
	case ".":
		more = false
	default:
		return nil, 0, newDecodeErr(BadFieldValue, "more flag %q", fields[3])
	}

	seqno, err := parseUint32(fields[4])
	if err != nil {
		return nil, 0, err
	}
	size, err := parseUint32(fields[5])
	if err != nil {
		return nil, 0, err
	}

	f := &Frame{Type: typ, Channel: channel, Msgno: msgno, More: more, Seqno: seqno, Size: size}
	if typ == ANS {
		ansno, err := parseUint32(fields[6])
		if err != nil {
			return nil, 0, err
		}
		f.HasAnsno = true
		f.Ansno = ansno
	}

	bodyStart := headerEnd + len(crlf)
	bodyEnd := bodyStart + int(size)
	trailerEnd := bodyEnd + len(trailer)
	if len(buf) < trailerEnd {
		return nil, 0, ErrNeedMore
	}
	if string(buf[bodyEnd:trailerEnd]) != trailer {
		return nil, 0, newDecodeErr(TrailerMissing, "expected %q, got %q", trailer, buf[bodyEnd:trailerEnd])
	}

	f.Payload = append([]byte(nil), buf[bodyStart:bodyEnd]...)
	return f, trailerEnd, nil
}

// maxHeaderLine bounds how long we will scan looking for the header CRLF
// before declaring the input malformed rather than merely incomplete.
const maxHeaderLine = 4096

func splitFields(header []byte) [][]byte {
	var fields [][]byte
	start := -1
	for i, b := range header {
		if b == ' ' {
			if start >= 0 {
				fields = append(fields, header[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, header[start:])
	}
	return fields
}

// parseUint32 parses an unsigned decimal field with no leading zeros (per
// spec.md §4.1: "fields are unsigned decimal without leading zeros").
func parseUint32(field []byte) (uint32, error) {
	if len(field) == 0 {
		return 0, newDecodeErr(BadFieldValue, "empty numeric field")
	}
	if len(field) > 1 && field[0] == '0' {
		return 0, newDecodeErr(BadFieldValue, "leading zero in %q", field)
	}
	for _, b := range field {
		if b < '0' || b > '9' {
			return 0, newDecodeErr(BadFieldValue, "non-digit in %q", field)
		}
	}
	v, err := strconv.ParseUint(string(field), 10, 32)
	if err != nil {
		return 0, newDecodeErr(BadFieldValue, "%q: %s", field, err.Error())
	}
	return uint32(v), nil
}
