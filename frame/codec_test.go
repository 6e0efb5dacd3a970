package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		Type:    MSG,
		Channel: 1,
		Msgno:   0,
		More:    false,
		Seqno:   0,
		Size:    5,
		Payload: []byte("hello"),
	}
	buf, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, "MSG 1 0 . 0 5\r\nhelloEND\r\n", string(buf))

	got, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Channel, got.Channel)
	assert.Equal(t, f.Msgno, got.Msgno)
	assert.Equal(t, f.More, got.More)
	assert.Equal(t, f.Seqno, got.Seqno)
	assert.Equal(t, f.Size, got.Size)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestEncodeDecodeANSWithAnsno(t *testing.T) {
	f := &Frame{
		Type: ANS, Channel: 3, Msgno: 2, More: true, Seqno: 10,
		Size: 3, HasAnsno: true, Ansno: 7, Payload: []byte("abc"),
	}
	buf, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, "ANS 3 2 * 10 3 7\r\nabcEND\r\n", string(buf))

	got, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.True(t, got.HasAnsno)
	assert.Equal(t, uint32(7), got.Ansno)
}

func TestEncodeSeqAndDecode(t *testing.T) {
	buf := EncodeSeq(4, 100, 4096)
	assert.Equal(t, "SEQ 4 100 4096\r\n", string(buf))

	got, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, SEQ, got.Type)
	assert.Equal(t, uint32(4), got.Channel)
	assert.Equal(t, uint32(100), got.Ackno)
	assert.Equal(t, uint32(4096), got.Window)
}

func TestDecodeNeedsMoreData(t *testing.T) {
	full, err := Encode(&Frame{Type: RPY, Channel: 0, Msgno: 1, Size: 4, Payload: []byte("data")})
	require.NoError(t, err)

	for cut := 0; cut < len(full); cut++ {
		_, _, err := Decode(full[:cut])
		assert.ErrorIs(t, err, ErrNeedMore, "cut at %d", cut)
	}
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, _, err := Decode([]byte("MSG 01 0 . 0 0\r\nEND\r\n"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, BadFieldValue, de.Kind)
}

func TestDecodeRejectsBadMoreFlag(t *testing.T) {
	_, _, err := Decode([]byte("MSG 1 0 x 0 0\r\nEND\r\n"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, BadFieldValue, de.Kind)
}

func TestDecodeRejectsMissingTrailer(t *testing.T) {
	_, _, err := Decode([]byte("MSG 1 0 . 0 5\r\nhelloNOPE\r\n"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, TrailerMissing, de.Kind)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, _, err := Decode([]byte("WAT 1 0 . 0 0\r\nEND\r\n"))
	require.Error(t, err)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, UnknownType, de.Kind)
}

func TestEncodeRejectsSizeMismatch(t *testing.T) {
	_, err := Encode(&Frame{Type: MSG, Size: 3, Payload: []byte("nope")})
	require.Error(t, err)
}

func TestTypeStringAndIsDataType(t *testing.T) {
	assert.Equal(t, "MSG", MSG.String())
	assert.Equal(t, "SEQ", SEQ.String())
	assert.True(t, MSG.IsDataType())
	assert.False(t, SEQ.IsDataType())
}
