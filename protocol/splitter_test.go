package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prpc/message"
	"prpc/rpcerr"
)

func twoFrames(t *testing.T) ([]byte, []byte) {
	t.Helper()
	c := mustCodec(t, "json", "gzip")
	a, err := c.Encode(greeterRequest())
	require.NoError(t, err)
	b, err := c.Encode(message.NewResponse("r1", "Hello Alice"))
	require.NoError(t, err)
	return a, b
}

func TestSplitterArbitraryChunking(t *testing.T) {
	a, b := twoFrames(t)
	stream := append(append([]byte{}, a...), b...)

	for chunk := 1; chunk <= len(stream); chunk++ {
		s := NewSplitter(0)
		var frames [][]byte
		for off := 0; off < len(stream); off += chunk {
			end := min(off+chunk, len(stream))
			s.Feed(stream[off:end])
			for {
				f, err := s.Next()
				require.NoError(t, err)
				if f == nil {
					break
				}
				frames = append(frames, f)
			}
		}
		require.Len(t, frames, 2, "chunk size %d", chunk)
		assert.True(t, bytes.Equal(a, frames[0]), "chunk size %d first frame", chunk)
		assert.True(t, bytes.Equal(b, frames[1]), "chunk size %d second frame", chunk)
		assert.Zero(t, s.Buffered())
	}
}

func TestSplitterWaitsForHeader(t *testing.T) {
	a, _ := twoFrames(t)
	s := NewSplitter(0)
	s.Feed(a[:LengthOffset+2])

	f, err := s.Next()
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestSplitterFrameTooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	copy(header, Magic[:])
	binary.BigEndian.PutUint32(header[LengthOffset:], 1025)

	s := NewSplitter(1024)
	s.Feed(header)
	_, err := s.Next()
	assert.Equal(t, rpcerr.FrameTooLarge, rpcerr.KindOf(err))
}

type chunkedReader struct {
	data []byte
	size int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.size, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestFrameReader(t *testing.T) {
	a, b := twoFrames(t)
	stream := append(append([]byte{}, a...), b...)
	fr := NewFrameReader(&chunkedReader{data: stream, size: 7}, 0)

	f1, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, a, f1)

	f2, err := fr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, b, f2)

	_, err = fr.ReadFrame()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestFrameReaderTruncatedStream(t *testing.T) {
	a, _ := twoFrames(t)
	fr := NewFrameReader(bytes.NewReader(a[:len(a)-3]), 0)

	_, err := fr.ReadFrame()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
