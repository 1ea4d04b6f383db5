// Package compress provides the payload compressors.
//
// Like serializers, compressors travel on the wire as their index in Names.
package compress

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"prpc/rpcerr"
)

const (
	NameNone   = "NONE"
	NameGzip   = "GZIP"
	NameSnappy = "SNAPPY"
	NameZstd   = "ZSTD"
)

// Names is the ordered compressor table; a compressor's id is its index.
var Names = []string{NameNone, NameGzip, NameSnappy, NameZstd}

// Compressor transforms serialized payloads. Decompress fails with FrameTooLarge instead
// of producing more than limit bytes; a limit of zero or less disables the check.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, limit int) ([]byte, error)
}

func tooLarge(name string, limit int) error {
	return rpcerr.New(rpcerr.FrameTooLarge, "%s payload inflates beyond %d bytes", name, limit)
}

// readLimited reads r to the end, failing once more than limit bytes come out.
func readLimited(name string, r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, tooLarge(name, limit)
	}
	return out, nil
}

// Registry holds the implementation behind every entry of Names.
type Registry struct {
	mu          sync.RWMutex
	compressors []Compressor
}

// NewRegistry returns a registry filled with the built-in compressors.
func NewRegistry() *Registry {
	return &Registry{compressors: []Compressor{None{}, Gzip{}, Snappy{}, NewZstd()}}
}

// ID resolves a compressor name, case-insensitively, to its wire id.
func (r *Registry) ID(name string) (byte, error) {
	for i, n := range Names {
		if strings.EqualFold(n, name) {
			return byte(i), nil
		}
	}
	return 0, rpcerr.New(rpcerr.UnknownCompressAlgorithm, "compressor %q", name)
}

// ByID returns the compressor registered under a wire id.
func (r *Registry) ByID(id byte) (Compressor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.compressors) {
		return nil, rpcerr.New(rpcerr.UnknownCompressAlgorithm, "compressor id %d", id)
	}
	return r.compressors[id], nil
}

// ByName resolves a name and returns its compressor.
func (r *Registry) ByName(name string) (Compressor, error) {
	id, err := r.ID(name)
	if err != nil {
		return nil, err
	}
	return r.ByID(id)
}

// Override replaces the implementation behind c.Name().
func (r *Registry) Override(c Compressor) error {
	id, err := r.ID(c.Name())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.compressors[id] = c
	r.mu.Unlock()
	return nil
}

// None passes payloads through untouched.
type None struct{}

func (None) Name() string                         { return NameNone }
func (None) Compress(data []byte) ([]byte, error) { return data, nil }

func (None) Decompress(data []byte, limit int) ([]byte, error) {
	if limit > 0 && len(data) > limit {
		return nil, tooLarge(NameNone, limit)
	}
	return data, nil
}

// Gzip is the default compressor.
type Gzip struct{}

func (Gzip) Name() string { return NameGzip }

func (Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gzip) Decompress(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(NameGzip, r, limit)
}

// Snappy uses the block format, without stream framing.
type Snappy struct{}

func (Snappy) Name() string { return NameSnappy }

func (Snappy) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress checks the length the block declares before allocating for it.
func (Snappy) Decompress(data []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if limit > 0 && n > limit {
		return nil, tooLarge(NameSnappy, limit)
	}
	return snappy.Decode(nil, data)
}

// Zstd shares one encoder, whose EncodeAll is safe for concurrent use. The unbounded
// decoder is shared too; bounded decodes stream through a decoder sized to the limit.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd builds a Zstd compressor. Creating a stateless encoder/decoder pair only fails
// on invalid options, which are fixed here.
func NewZstd() *Zstd {
	enc, _ := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	dec, _ := zstd.NewReader(nil)
	return &Zstd{enc: enc, dec: dec}
}

func (z *Zstd) Name() string { return NameZstd }

func (z *Zstd) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *Zstd) Decompress(data []byte, limit int) ([]byte, error) {
	if limit <= 0 {
		return z.dec.DecodeAll(data, nil)
	}
	dec, err := zstd.NewReader(bytes.NewReader(data),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(max(limit, zstd.MinWindowSize))))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := readLimited(NameZstd, dec, limit)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return nil, tooLarge(NameZstd, limit)
	}
	return out, err
}
