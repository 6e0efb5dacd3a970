// Package channel0 implements the wire encoding and validation of the
// BEEP channel-management XML documents exchanged on channel 0 (spec.md
// §4.7, §6): <greeting>, <start>, <profile> (reply), <close>, <ok>, and
// <error>. It deliberately does not own the channel-0 request/reply
// sequencing state machine (one outstanding request at a time,
// spec.md §4.7) — that lives in package conn, which already owns the
// connection-wide serialization this needs and would otherwise create an
// import cycle with channel0.
package channel0

import (
	"encoding/xml"
	"fmt"
)

// RFC 3080 §8 channel-0 error codes.
const (
	Code200Success           = 200
	Code421ServiceUnavail     = 421
	Code450RequestedActionAborted = 450
	Code451RequestedActionAborted2 = 451
	Code500GeneralSyntaxError = 500
	Code501SyntaxErrorParams  = 501
	Code504ParamNotImplemented = 504
	Code550RequestedActionFailed = 550
	Code553ParamInvalid       = 553
	Code554TransactionFailed  = 554
)

// ProfileRef is a bare <profile uri="..."/> as carried in a <greeting>.
type ProfileRef struct {
	URI string `xml:"uri,attr"`
}

// Greeting is the first message exchanged on channel 0 (RFC 3080 §2.3.1.1).
type Greeting struct {
	XMLName  xml.Name     `xml:"greeting"`
	Features string       `xml:"features,attr,omitempty"`
	Localize string       `xml:"localize,attr,omitempty"`
	Profiles []ProfileRef `xml:"profile"`
}

// StartProfile is one <profile uri="...">content</profile> offered in a
// <start> request.
type StartProfile struct {
	URI     string `xml:"uri,attr"`
	Content string `xml:",cdata"`
}

// Start requests a new channel.
type Start struct {
	XMLName    xml.Name       `xml:"start"`
	Number     uint32         `xml:"number,attr"`
	ServerName string         `xml:"serverName,attr,omitempty"`
	Profiles   []StartProfile `xml:"profile"`
}

// ProfileReply is the single <profile> element returned on a successful
// start, possibly carrying piggybacked profile-specific content.
type ProfileReply struct {
	XMLName xml.Name `xml:"profile"`
	URI     string   `xml:"uri,attr"`
	Content string   `xml:",cdata"`
}

// Close requests that a channel (or, for number 0, the whole session) be
// shut down.
type Close struct {
	XMLName xml.Name `xml:"close"`
	Number  uint32   `xml:"number,attr"`
	Code    int      `xml:"code,attr"`
	Lang    string   `xml:"xml:lang,attr,omitempty"`
}

// OK is the empty positive acknowledgement to <close>.
type OK struct {
	XMLName xml.Name `xml:"ok"`
}

// ErrorReply is returned to decline a <start> or <close>, or to refuse
// the greeting itself.
type ErrorReply struct {
	XMLName xml.Name `xml:"error"`
	Code    int      `xml:"code,attr"`
	Lang    string   `xml:"xml:lang,attr,omitempty"`
	Text    string   `xml:",cdata"`
}

// Marshal renders v (one of the types above) as the application/beep+xml
// payload carried by a channel-0 MSG/RPY body.
func Marshal(v any) ([]byte, error) {
	return xml.Marshal(v)
}

// UnmarshalGreeting parses a <greeting> document and validates it against
// the channel-management DTD's minimal shape requirements.
func UnmarshalGreeting(data []byte) (*Greeting, error) {
	var g Greeting
	if err := xml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("channel0: malformed greeting: %w", err)
	}
	return &g, nil
}

// UnmarshalStart parses a <start> document, requiring at least one
// <profile> offer and a nonzero channel number (spec.md §4.7, §6).
func UnmarshalStart(data []byte) (*Start, error) {
	var s Start
	if err := xml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("channel0: malformed start: %w", err)
	}
	if len(s.Profiles) == 0 {
		return nil, fmt.Errorf("channel0: start with no profile offers")
	}
	if s.Number == 0 {
		return nil, fmt.Errorf("channel0: start requests reserved channel 0")
	}
	return &s, nil
}

// UnmarshalProfileReply parses the <profile> reply to a successful start.
func UnmarshalProfileReply(data []byte) (*ProfileReply, error) {
	var p ProfileReply
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("channel0: malformed profile reply: %w", err)
	}
	if p.URI == "" {
		return nil, fmt.Errorf("channel0: profile reply missing uri")
	}
	return &p, nil
}

// UnmarshalClose parses a <close> document.
func UnmarshalClose(data []byte) (*Close, error) {
	var c Close
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("channel0: malformed close: %w", err)
	}
	if c.Code == 0 {
		return nil, fmt.Errorf("channel0: close missing code")
	}
	return &c, nil
}

// UnmarshalError parses an <error> reply.
func UnmarshalError(data []byte) (*ErrorReply, error) {
	var e ErrorReply
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("channel0: malformed error: %w", err)
	}
	if e.Code == 0 {
		return nil, fmt.Errorf("channel0: error missing code")
	}
	return &e, nil
}

// IsOK reports whether data is an <ok/> element.
func IsOK(data []byte) bool {
	var o OK
	if err := xml.Unmarshal(data, &o); err != nil {
		return false
	}
	return o.XMLName.Local == "ok"
}

// ContentType is the MIME content type channel-0 payloads carry
// (spec.md §6).
const ContentType = "application/beep+xml"

// TransferEncoding is the MIME transfer encoding channel-0 payloads
// declare (spec.md §6: "none").
const TransferEncoding = "none"
