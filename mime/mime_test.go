package mime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeElidesDefaultsInMixedMode(t *testing.T) {
	out := Compose(Header{}, "mixed", []byte("payload"))
	assert.Equal(t, "\r\npayload", string(out))
}

func TestComposeAlwaysEmitsHeadersInOnMode(t *testing.T) {
	out := Compose(Header{}, "on", []byte("payload"))
	assert.Contains(t, string(out), "Content-Type: application/octet-stream\r\n")
	assert.Contains(t, string(out), "Content-Transfer-Encoding: binary\r\n")
	assert.Contains(t, string(out), "\r\n\r\npayload")
}

func TestComposeNeverEmitsHeadersInOffMode(t *testing.T) {
	out := Compose(Header{"Content-Type": "text/xml"}, "off", []byte("payload"))
	assert.Equal(t, "\r\npayload", string(out))
}

func TestComposeSplitRoundTrip(t *testing.T) {
	hdr := Header{"Content-Type": "application/beep+xml", "Content-Transfer-Encoding": "none"}
	composed := Compose(hdr, "on", []byte("<greeting/>"))

	got, body, err := Split(composed)
	require.NoError(t, err)
	assert.Equal(t, "application/beep+xml", got["Content-Type"])
	assert.Equal(t, "none", got["Content-Transfer-Encoding"])
	assert.Equal(t, "<greeting/>", string(body))
}

func TestSplitWithNoHeaderBlockUsesDefaults(t *testing.T) {
	got, body, err := Split([]byte("\r\njust a body"))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "just a body", string(body))
}

func TestHeaderEqual(t *testing.T) {
	a := Header{"Content-Type": "text/plain"}
	b := Header{"Content-Type": "text/plain"}
	c := Header{"Content-Type": "application/xml"}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
