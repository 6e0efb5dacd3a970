package channel0

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreetingRoundTrip(t *testing.T) {
	g := &Greeting{
		Features: "pipelining",
		Profiles: []ProfileRef{{URI: "http://beepd.example/profiles/echo"}},
	}
	data, err := Marshal(g)
	require.NoError(t, err)

	got, err := UnmarshalGreeting(data)
	require.NoError(t, err)
	assert.Equal(t, "pipelining", got.Features)
	require.Len(t, got.Profiles, 1)
	assert.Equal(t, "http://beepd.example/profiles/echo", got.Profiles[0].URI)
}

func TestStartRoundTrip(t *testing.T) {
	s := &Start{
		Number:     3,
		ServerName: "example.org",
		Profiles:   []StartProfile{{URI: "http://example.org/p1", Content: "hi"}},
	}
	data, err := Marshal(s)
	require.NoError(t, err)

	got, err := UnmarshalStart(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.Number)
	assert.Equal(t, "example.org", got.ServerName)
	require.Len(t, got.Profiles, 1)
	assert.Equal(t, "hi", got.Profiles[0].Content)
}

func TestUnmarshalStartRejectsChannelZero(t *testing.T) {
	data, err := Marshal(&Start{Number: 0, Profiles: []StartProfile{{URI: "x"}}})
	require.NoError(t, err)
	_, err = UnmarshalStart(data)
	assert.Error(t, err)
}

func TestUnmarshalStartRejectsNoProfiles(t *testing.T) {
	data, err := Marshal(&Start{Number: 1})
	require.NoError(t, err)
	_, err = UnmarshalStart(data)
	assert.Error(t, err)
}

func TestProfileReplyRoundTrip(t *testing.T) {
	data, err := Marshal(&ProfileReply{URI: "http://example.org/p1", Content: "ack"})
	require.NoError(t, err)
	got, err := UnmarshalProfileReply(data)
	require.NoError(t, err)
	assert.Equal(t, "http://example.org/p1", got.URI)
	assert.Equal(t, "ack", got.Content)
}

func TestUnmarshalProfileReplyRejectsMissingURI(t *testing.T) {
	data, err := Marshal(&ProfileReply{})
	require.NoError(t, err)
	_, err = UnmarshalProfileReply(data)
	assert.Error(t, err)
}

func TestCloseRoundTrip(t *testing.T) {
	data, err := Marshal(&Close{Number: 2, Code: Code200Success})
	require.NoError(t, err)
	got, err := UnmarshalClose(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Number)
	assert.Equal(t, Code200Success, got.Code)
}

func TestErrorReplyRoundTrip(t *testing.T) {
	data, err := Marshal(&ErrorReply{Code: Code550RequestedActionFailed, Text: "nope"})
	require.NoError(t, err)
	got, err := UnmarshalError(data)
	require.NoError(t, err)
	assert.Equal(t, Code550RequestedActionFailed, got.Code)
	assert.Equal(t, "nope", got.Text)
}

func TestIsOK(t *testing.T) {
	data, err := Marshal(&OK{})
	require.NoError(t, err)
	assert.True(t, IsOK(data))
	assert.False(t, IsOK([]byte("<notok/>")))
}
