package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/mime"
)

// fakeLink is a minimal ConnLink recording what the channel asked of it,
// standing in for *conn.Connection in these unit tests.
type fakeLink struct {
	wakes       int
	closeReqs   []uint32
	seqEmitted  []frame.Frame
}

func (f *fakeLink) NotifyReady(channelNumber uint32) { f.wakes++ }
func (f *fakeLink) RequestClose(channelNumber uint32, code int) error {
	f.closeReqs = append(f.closeReqs, channelNumber)
	return nil
}
func (f *fakeLink) EmitSeq(channelNumber, ackno, window uint32) {
	f.seqEmitted = append(f.seqEmitted, frame.Frame{Channel: channelNumber, Ackno: ackno, Window: window})
}

func TestSendThenNextFrameProducesWireFrame(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "http://example.org/echo", link, 4096)
	ch.MarkOpen()

	msgno, err := ch.Send(frame.MSG, []byte("hello"), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), msgno)
	assert.Equal(t, 1, link.wakes)

	f, ok, err := ch.NextFrame(4096)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, frame.MSG, f.Type)
	assert.False(t, f.More)
	assert.Equal(t, uint32(0), f.Seqno)
	// the first frame of a message carries the composed MIME block.
	assert.Contains(t, string(f.Payload), "hello")

	_, ok, err = ch.NextFrame(4096)
	require.NoError(t, err)
	assert.False(t, ok, "no more outbound work queued")
}

func TestNextFrameHonorsRemoteWindow(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()
	ch.HandleSeq(0, 10) // shrink the remote window to 10 bytes

	full := []byte("0123456789ABCDEF")
	_, err := ch.Send(frame.MSG, full, SendOptions{})
	require.NoError(t, err)

	f, ok, err := ch.NextFrame(4096)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.More, "the full message should not fit in the shrunk window yet")
	assert.Less(t, len(f.Payload), len(full), "only a prefix of the message was sent")
	assert.LessOrEqual(t, len(f.Payload), 10, "payload (including any composed MIME overhead) must stay within the advertised window")
}

func TestSendRejectsWhenNotOpen(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096) // still Negotiating
	_, err := ch.Send(frame.MSG, []byte("x"), SendOptions{})
	assert.Error(t, err)
}

func TestIngestDeliversCompleteMessage(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()

	body := mime.Compose(mime.Header{}, "mixed", []byte("payload"))
	f := &frame.Frame{Type: frame.MSG, Channel: 1, Msgno: 0, More: false, Seqno: 0, Size: uint32(len(body)), Payload: body}

	msg, dispatchable, _, _, _, err := ch.Ingest(f)
	require.NoError(t, err)
	require.True(t, dispatchable)
	assert.Equal(t, "payload", string(msg.Payload))
	assert.Equal(t, 1, ch.Outstanding(), "inbound MSG awaits our reply")
}

func TestIngestRejectsUnexpectedSeqno(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()

	f := &frame.Frame{Type: frame.MSG, Channel: 1, Msgno: 0, Seqno: 99, Size: 0, Payload: []byte("\r\n")}
	_, _, _, _, _, err := ch.Ingest(f)
	assert.Error(t, err)
}

func TestIngestEmitsSeqPastHalfWindow(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 10) // tiny local window so half-window trips quickly

	body := []byte("123456")
	f := &frame.Frame{Type: frame.MSG, Channel: 1, Msgno: 0, Seqno: 0, Size: uint32(len(body)), Payload: append([]byte("\r\n"), body...)}
	f.Size = uint32(len(f.Payload))

	_, _, emitSeq, ackno, window, err := ch.Ingest(f)
	require.NoError(t, err)
	assert.True(t, emitSeq)
	assert.Equal(t, ch.NextExpectedInboundSeq(), ackno)
	assert.Equal(t, uint32(10), window)
}

func TestCloseRefusedWithOutstandingReplies(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()

	_, err := ch.Send(frame.MSG, []byte("x"), SendOptions{})
	require.NoError(t, err)

	assert.False(t, ch.CanClose())
	assert.Error(t, ch.Close())
}

func TestCloseRequestsChannel0WhenIdle(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()

	require.NoError(t, ch.Close())
	assert.Equal(t, []uint32{1}, link.closeReqs)
}

func TestForceCloseSurfacesOutstandingSends(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()

	_, waiter, err := ch.SendAndWait(frame.MSG, []byte("x"), SendOptions{})
	require.NoError(t, err)

	errs := ch.ForceClose()
	require.Len(t, errs, 1)
	result := <-waiter
	assert.Error(t, result.Err)
	assert.Equal(t, Dead, ch.State())
}

func TestHandleSeqReportsReadiness(t *testing.T) {
	link := &fakeLink{}
	ch := New(1, "", link, 4096)
	ch.MarkOpen()
	_, err := ch.Send(frame.MSG, []byte("x"), SendOptions{})
	require.NoError(t, err)
	ch.HandleSeq(0, 0) // exhausted window: nothing ready
	assert.False(t, ch.Ready())

	becameReady := ch.HandleSeq(0, 4096)
	assert.True(t, becameReady)
	assert.True(t, ch.Ready())
}
