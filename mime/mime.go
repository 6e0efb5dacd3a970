// Package mime implements the MIME header handling spec.md §4.1 mandates
// on the first frame of a BEEP message: RFC 2045 headers terminated by a
// blank line, elidable when they match the profile's configured defaults.
package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"sort"
)

// Defaults are the BEEP-mandated implicit MIME values (spec.md §3, §4.1).
var Defaults = Header{
	"Content-Type":              "application/octet-stream",
	"Content-Transfer-Encoding": "binary",
}

// Header is an ordered-insensitive MIME header set. Canonical MIME header
// key casing (textproto.CanonicalMIMEHeaderKey) is used throughout.
type Header map[string]string

// Equal reports whether h and other carry the same key/value pairs,
// ignoring header name case.
func (h Header) Equal(other Header) bool {
	if len(h) != len(other) {
		return false
	}
	for k, v := range h {
		if ov, ok := other[textproto.CanonicalMIMEHeaderKey(k)]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Error wraps a MIME parse failure (spec.md's MimeError decode kind).
type Error struct{ Detail string }

func (e *Error) Error() string { return fmt.Sprintf("mime: %s", e.Detail) }

// Split parses the leading MIME header block of raw (terminated by a
// blank line CRLF CRLF) and returns the headers and the remaining body.
// It is only ever called on the first frame of a message, since that is
// the only place RFC 3080 permits a header block.
func Split(raw []byte) (Header, []byte, error) {
	br := bytes.NewReader(raw)
	bufReader := bufio.NewReader(br)
	reader := textproto.NewReader(bufReader)
	hdr, err := reader.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		// No header block at all is legal: a bare blank-line separator
		// (or no separator, for malformed peers we still try) means
		// "use defaults". Look for a leading CRLF/blank-line instead.
		if bytes.HasPrefix(raw, []byte("\r\n")) {
			return Header{}, raw[2:], nil
		}
		return nil, nil, &Error{Detail: err.Error()}
	}
	if err != nil {
		return nil, nil, &Error{Detail: err.Error()}
	}
	out := make(Header, len(hdr))
	for k, v := range hdr {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	// bufio.Reader pulls ahead of what ReadMIMEHeader actually consumed
	// logically; the true header-block length is how much it pulled out
	// of br minus what is still sitting unread in its internal buffer.
	consumed := len(raw) - br.Len() - bufReader.Buffered()
	if consumed < 0 || consumed > len(raw) {
		consumed = len(raw)
	}
	return out, raw[consumed:], nil
}

// Compose renders headers (falling back to defaults for any field left
// unset) followed by the blank-line separator and body, honoring mode:
// "off" never emits explicit header lines, "on" always emits them, and
// "mixed" elides them only when headers equal Defaults.
func Compose(headers Header, mode string, body []byte) []byte {
	effective := make(Header, len(Defaults))
	for k, v := range Defaults {
		effective[k] = v
	}
	for k, v := range headers {
		effective[textproto.CanonicalMIMEHeaderKey(k)] = v
	}

	elide := mode == "off" || (mode == "mixed" && effective.Equal(Defaults))
	var buf bytes.Buffer
	if !elide {
		keys := make([]string, 0, len(effective))
		for k := range effective {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(effective[k])
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
