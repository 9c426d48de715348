package pump

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream byte, payload string) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = stream
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

func TestFramedDecoder_SingleFrame(t *testing.T) {
	t.Parallel()

	var d framedDecoder
	out := d.Feed(frame(streamStdout, "hello"))
	require.Len(t, out, 1)
	assert.Equal(t, "hello", string(out[0]))
}

func TestFramedDecoder_MultipleFramesOneRead(t *testing.T) {
	t.Parallel()

	chunk := append(frame(streamStdout, "out"), frame(streamStderr, "err")...)

	var d framedDecoder
	out := d.Feed(chunk)
	require.Len(t, out, 2)
	assert.Equal(t, "out", string(out[0]))
	assert.Equal(t, "err", string(out[1]))
}

func TestFramedDecoder_FrameSplitAcrossReads(t *testing.T) {
	t.Parallel()

	full := frame(streamStdout, "split-payload")

	var d framedDecoder
	assert.Empty(t, d.Feed(full[:5]), "header fragment yields nothing")
	assert.Empty(t, d.Feed(full[5:12]), "partial payload yields nothing")

	out := d.Feed(full[12:])
	require.Len(t, out, 1)
	assert.Equal(t, "split-payload", string(out[0]))
}

func TestFramedDecoder_SkipsStdinFrames(t *testing.T) {
	t.Parallel()

	chunk := append(frame(0, "ignored"), frame(streamStdout, "kept")...)

	var d framedDecoder
	out := d.Feed(chunk)
	require.Len(t, out, 1)
	assert.Equal(t, "kept", string(out[0]))
}

func TestFramedDecoder_EmptyPayload(t *testing.T) {
	t.Parallel()

	var d framedDecoder
	out := d.Feed(frame(streamStdout, ""))
	require.Len(t, out, 1)
	assert.Empty(t, out[0])
}
