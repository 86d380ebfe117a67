package container

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(stream byte, data string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(data)))
	return append(header, data...)
}

func TestStreamDemuxerWholeFrames(t *testing.T) {
	var d StreamDemuxer

	raw := append(frame(StreamStdout, "hello"), frame(StreamStderr, "oops")...)
	frames := d.Push(raw)

	require.Len(t, frames, 2)
	assert.Equal(t, StreamStdout, frames[0].Stream)
	assert.Equal(t, "hello", string(frames[0].Data))
	assert.Equal(t, StreamStderr, frames[1].Stream)
	assert.Equal(t, "oops", string(frames[1].Data))
}

func TestStreamDemuxerSplitAcrossReads(t *testing.T) {
	var d StreamDemuxer

	raw := frame(StreamStdout, "split across reads")

	// feed one byte at a time; only the final byte completes the frame
	var frames []Frame
	for i := range raw {
		frames = append(frames, d.Push(raw[i:i+1])...)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, "split across reads", string(frames[0].Data))
}

func TestStreamDemuxerSplitHeader(t *testing.T) {
	var d StreamDemuxer

	raw := frame(StreamStdout, "abc")
	assert.Empty(t, d.Push(raw[:4]), "half a header is not a frame")
	frames := d.Push(raw[4:])
	require.Len(t, frames, 1)
	assert.Equal(t, "abc", string(frames[0].Data))
}

func TestStreamDemuxerEmptyFrame(t *testing.T) {
	var d StreamDemuxer

	frames := d.Push(frame(StreamStdout, ""))
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Data)
}
