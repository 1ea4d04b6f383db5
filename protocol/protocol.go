// Package protocol implements the binary frame protocol of prpc.
//
// A fixed 64-byte header precedes a variable-length payload. The receiver reads the
// payload length at a fixed offset to find frame boundaries on the TCP stream.
//
// Frame format (big-endian):
//
//	0        4  5  6  7                       43              59 60       64
//	┌────────┬──┬──┬──┬────────────────────────┬───────────────┬──┬────────┬──────────────┐
//	│ magic  │v │s │mt│ sequence id (36 bytes) │ padding (16)  │c │ length │ payload ...  │
//	│01020304│01│  │  │ UTF-8, NUL padded      │ zero          │  │ uint32 │ length bytes │
//	└────────┴──┴──┴──┴────────────────────────┴───────────────┴──┴────────┴──────────────┘
//
// s and c index the serializer and compressor tables; the payload is the serialized
// message compressed with c.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"prpc/codec"
	"prpc/compress"
	"prpc/message"
	"prpc/rpcerr"
)

// Magic number bytes, used to reject foreign or desynchronized streams.
var Magic = [4]byte{1, 2, 3, 4}

const (
	Version byte = 1

	SeqLength     = 36 // room for a textual UUID
	PaddingLength = 16

	offsetVersion    = 4
	offsetSerializer = 5
	offsetType       = 6
	offsetSeq        = 7
	offsetCompressor = offsetSeq + SeqLength + PaddingLength // 59
	LengthOffset     = offsetCompressor + 1                  // 60
	HeaderSize       = LengthOffset + 4                      // 64

	DefaultMaxFrameLength = 8 << 20
)

// Header is the decoded fixed part of a frame.
type Header struct {
	Version      byte
	SerializerID byte
	Type         message.Type
	SequenceID   string
	CompressorID byte
	Length       uint32 // payload length in bytes
}

// ParseHeader validates and decodes the first HeaderSize bytes of frame. The magic
// number is checked before anything else is read.
func ParseHeader(frame []byte) (*Header, error) {
	if len(frame) < len(Magic) || !bytes.Equal(frame[:len(Magic)], Magic[:]) {
		n := min(len(frame), len(Magic))
		return nil, rpcerr.New(rpcerr.UnknownMagicCode, "magic %x", frame[:n])
	}
	if len(frame) < HeaderSize {
		return nil, rpcerr.New(rpcerr.MalformedFrame, "header truncated at %d bytes", len(frame))
	}
	if frame[offsetVersion] != Version {
		return nil, rpcerr.New(rpcerr.UnsupportedVersion, "version %d", frame[offsetVersion])
	}
	return &Header{
		Version:      frame[offsetVersion],
		SerializerID: frame[offsetSerializer],
		Type:         message.Type(frame[offsetType]),
		SequenceID:   string(bytes.TrimRight(frame[offsetSeq:offsetSeq+SeqLength], "\x00")),
		CompressorID: frame[offsetCompressor],
		Length:       binary.BigEndian.Uint32(frame[LengthOffset:HeaderSize]),
	}, nil
}

// Codec converts messages to frames and back. Outgoing frames use the configured
// serializer and compressor; incoming frames are decoded with the ids their header
// carries, so peers may use different settings. A Codec is safe for concurrent use.
type Codec struct {
	codecs       *codec.Registry
	compressors  *compress.Registry
	serializerID byte
	compressorID byte
	maxBody      int
}

// Option customizes a Codec.
type Option func(*Codec)

// WithCodecRegistry sets the serializer table, e.g. one with extension overrides.
func WithCodecRegistry(r *codec.Registry) Option {
	return func(c *Codec) { c.codecs = r }
}

// WithCompressRegistry sets the compressor table.
func WithCompressRegistry(r *compress.Registry) Option {
	return func(c *Codec) { c.compressors = r }
}

// WithMaxFrameLength bounds the decompressed payload of an incoming frame, defaulting to
// DefaultMaxFrameLength.
func WithMaxFrameLength(n int) Option {
	return func(c *Codec) { c.maxBody = n }
}

// NewCodec resolves the serializer and compressor names up front, so a misconfigured
// name fails here instead of on the first call.
func NewCodec(serializer, compressor string, opts ...Option) (*Codec, error) {
	c := &Codec{maxBody: DefaultMaxFrameLength}
	for _, opt := range opts {
		opt(c)
	}
	if c.codecs == nil {
		c.codecs = codec.NewRegistry()
	}
	if c.compressors == nil {
		c.compressors = compress.NewRegistry()
	}
	var err error
	if c.serializerID, err = c.codecs.ID(serializer); err != nil {
		return nil, err
	}
	if c.compressorID, err = c.compressors.ID(compressor); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode builds a complete frame for msg.
func (c *Codec) Encode(msg message.Message) ([]byte, error) {
	seq := msg.Seq()
	if len(seq) > SeqLength {
		return nil, rpcerr.New(rpcerr.MalformedFrame, "sequence id %q exceeds %d bytes", seq, SeqLength)
	}
	serializer, err := c.codecs.ByID(c.serializerID)
	if err != nil {
		return nil, err
	}
	compressor, err := c.compressors.ByID(c.compressorID)
	if err != nil {
		return nil, err
	}

	body, err := serializer.Encode(msg)
	if err != nil {
		return nil, err
	}
	payload, err := compressor.Compress(body)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.SerializeFailed, "compress with %s", compressor.Name())
	}

	frame := make([]byte, HeaderSize+len(payload))
	copy(frame, Magic[:])
	frame[offsetVersion] = Version
	frame[offsetSerializer] = c.serializerID
	frame[offsetType] = byte(msg.Type())
	copy(frame[offsetSeq:offsetSeq+SeqLength], seq)
	frame[offsetCompressor] = c.compressorID
	binary.BigEndian.PutUint32(frame[LengthOffset:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Write encodes msg and writes the frame to w in a single call. The caller must serialize
// concurrent writers on the same connection.
func (c *Codec) Write(w io.Writer, msg message.Message) error {
	frame, err := c.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode turns exactly one frame back into a message. The header's sequence id is
// authoritative and overwrites whatever the payload carried.
func (c *Codec) Decode(frame []byte) (message.Message, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if _, err := message.New(h.Type); err != nil {
		return nil, err
	}
	serializer, err := c.codecs.ByID(h.SerializerID)
	if err != nil {
		return nil, err
	}
	compressor, err := c.compressors.ByID(h.CompressorID)
	if err != nil {
		return nil, err
	}
	if int(h.Length) != len(frame)-HeaderSize {
		return nil, rpcerr.New(rpcerr.MalformedFrame, "declared length %d, have %d payload bytes", h.Length, len(frame)-HeaderSize)
	}

	body, err := compressor.Decompress(frame[HeaderSize:], c.maxBody)
	if err != nil {
		if rpcerr.KindOf(err) == rpcerr.FrameTooLarge {
			return nil, err
		}
		return nil, rpcerr.Wrap(err, rpcerr.DeserializeFailed, "decompress with %s", compressor.Name())
	}
	msg, err := serializer.Decode(body, h.Type)
	if err != nil {
		return nil, err
	}
	msg.SetSeq(h.SequenceID)
	if resp, ok := msg.(*message.Response); ok {
		if err := resp.Validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
