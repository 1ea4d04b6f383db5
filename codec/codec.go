// Package codec provides the serializers that turn messages into payload bytes.
//
// Serializers are addressed on the wire by their index in Names, so the order of that
// table is part of the protocol and must never change without a version bump.
package codec

import (
	"strings"
	"sync"

	"prpc/message"
	"prpc/rpcerr"
)

const (
	NameJSON     = "JSON"
	NameHessian2 = "HESSIAN2"
)

// Names is the ordered serializer table; a serializer's id is its index.
var Names = []string{NameJSON, NameHessian2}

// Codec serializes messages. Decode receives the message type from the frame header
// because schema-based formats do not carry it themselves.
type Codec interface {
	Name() string
	Encode(msg message.Message) ([]byte, error)
	Decode(data []byte, t message.Type) (message.Message, error)
}

// Registry holds the implementation behind every entry of Names.
type Registry struct {
	mu     sync.RWMutex
	codecs []Codec
}

// NewRegistry returns a registry filled with the built-in serializers.
func NewRegistry() *Registry {
	return &Registry{codecs: []Codec{&JSONCodec{}, &Hessian2Codec{}}}
}

// ID resolves a serializer name, case-insensitively, to its wire id.
func (r *Registry) ID(name string) (byte, error) {
	for i, n := range Names {
		if strings.EqualFold(n, name) {
			return byte(i), nil
		}
	}
	return 0, rpcerr.New(rpcerr.UnknownSerializerAlgorithm, "serializer %q", name)
}

// ByID returns the serializer registered under a wire id.
func (r *Registry) ByID(id byte) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.codecs) {
		return nil, rpcerr.New(rpcerr.UnknownSerializerAlgorithm, "serializer id %d", id)
	}
	return r.codecs[id], nil
}

// ByName resolves a name and returns its serializer.
func (r *Registry) ByName(name string) (Codec, error) {
	id, err := r.ID(name)
	if err != nil {
		return nil, err
	}
	return r.ByID(id)
}

// Override replaces the implementation behind c.Name(). Only names of the fixed table
// can be overridden; the wire ids never change.
func (r *Registry) Override(c Codec) error {
	id, err := r.ID(c.Name())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.codecs[id] = c
	r.mu.Unlock()
	return nil
}
