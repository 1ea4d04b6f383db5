package protocol

import (
	"encoding/binary"
	"io"

	"prpc/rpcerr"
)

// Splitter cuts a byte stream into frames. It never returns a partial frame and never
// more than one frame per call.
type Splitter struct {
	buf            []byte
	maxFrameLength int
}

// NewSplitter creates a splitter rejecting payloads longer than maxFrameLength bytes.
// A non-positive value selects DefaultMaxFrameLength.
func NewSplitter(maxFrameLength int) *Splitter {
	if maxFrameLength <= 0 {
		maxFrameLength = DefaultMaxFrameLength
	}
	return &Splitter{maxFrameLength: maxFrameLength}
}

// Feed appends received bytes.
func (s *Splitter) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Next returns the next complete frame, or nil when more bytes are needed. A declared
// length above the maximum fails with FrameTooLarge; the stream cannot be resynchronized
// afterwards and the connection should be closed.
func (s *Splitter) Next() ([]byte, error) {
	if len(s.buf) < HeaderSize {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(s.buf[LengthOffset:HeaderSize])
	if uint64(length) > uint64(s.maxFrameLength) {
		return nil, rpcerr.New(rpcerr.FrameTooLarge, "frame length %d exceeds %d", length, s.maxFrameLength)
	}
	total := HeaderSize + int(length)
	if len(s.buf) < total {
		return nil, nil
	}
	frame := make([]byte, total)
	copy(frame, s.buf)
	rest := copy(s.buf, s.buf[total:])
	s.buf = s.buf[:rest]
	return frame, nil
}

// FrameReader reads whole frames from a connection.
type FrameReader struct {
	r        io.Reader
	splitter *Splitter
	chunk    []byte
}

// NewFrameReader wraps r with a splitter bounded by maxFrameLength.
func NewFrameReader(r io.Reader, maxFrameLength int) *FrameReader {
	return &FrameReader{
		r:        r,
		splitter: NewSplitter(maxFrameLength),
		chunk:    make([]byte, 4096),
	}
}

// ReadFrame blocks until one complete frame is available. It returns io.EOF when the
// stream ends cleanly between frames and io.ErrUnexpectedEOF when it ends inside one.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		frame, err := fr.splitter.Next()
		if err != nil || frame != nil {
			return frame, err
		}
		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.splitter.Feed(fr.chunk[:n])
			continue
		}
		if err == io.EOF && fr.splitter.Buffered() > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}
