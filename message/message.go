// Package message defines the messages exchanged between client and server.
//
// Every message gets serialized by the codec layer and wrapped in a protocol frame for
// transmission over TCP. The frame header carries the message type and sequence id, so a
// decoder always knows which concrete type to build before it reads the payload.
package message

import (
	"fmt"

	"prpc/rpcerr"
)

// Type identifies the concrete message carried by a frame. The values are part of the
// wire contract.
type Type byte

const (
	TypeRequest   Type = 1 // Client → Server RPC request
	TypeResponse  Type = 2 // Server → Client RPC response
	TypeHeartbeat Type = 3 // keep-alive ping, no payload fields
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Message is one unit of wire exchange.
type Message interface {
	Seq() string
	SetSeq(seq string)
	Type() Type
}

// Request carries a single remote method call.
//
// ParameterTypes holds the declared parameter type names used by the server to pick an
// overload; it may be empty, in which case the server resolves by method name alone.
type Request struct {
	SequenceID      string   `json:"sequenceId"`
	InterfaceName   string   `json:"interfaceName"`
	MethodName      string   `json:"methodName"`
	GroupName       string   `json:"groupName"`
	ParameterTypes  []string `json:"parameterTypes,omitempty"`
	ParameterValues []any    `json:"parameterValue,omitempty"`
	ReturnType      string   `json:"returnType,omitempty"`
}

func (r *Request) Seq() string       { return r.SequenceID }
func (r *Request) SetSeq(seq string) { r.SequenceID = seq }
func (r *Request) Type() Type        { return TypeRequest }

// ServiceName is the registry key of the target implementation: "interface:group".
func (r *Request) ServiceName() string {
	return ServiceName(r.InterfaceName, r.GroupName)
}

// ServiceName joins an interface and a group into the key used by registries and the
// server's service map.
func ServiceName(iface, group string) string {
	return iface + ":" + group
}

// Exception is the failure detail of a response.
type Exception struct {
	Kind    rpcerr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Err converts the exception back into a local error of the same kind.
func (e *Exception) Err() error {
	return rpcerr.New(e.Kind, "%s", e.Message)
}

// Response carries either a return value or an exception, never both.
type Response struct {
	SequenceID  string     `json:"sequenceId"`
	ReturnValue any        `json:"returnValue,omitempty"`
	Exception   *Exception `json:"exceptionValue,omitempty"`

	cause error // local origin of Exception; never serialized
}

// NewResponse builds a successful response for seq.
func NewResponse(seq string, value any) *Response {
	return &Response{SequenceID: seq, ReturnValue: value}
}

// NewExceptionResponse builds a failed response for seq. A prpc error keeps its kind;
// any other error is reported as FailedInvokeMethod. Err on the returned response yields
// err itself, cause chain included, until the response crosses the wire.
func NewExceptionResponse(seq string, err error) *Response {
	kind := rpcerr.KindOf(err)
	if kind == "" {
		kind = rpcerr.FailedInvokeMethod
	}
	msg := err.Error()
	if e, ok := err.(*rpcerr.Error); ok {
		msg = e.Message
	}
	return &Response{SequenceID: seq, Exception: &Exception{Kind: kind, Message: msg}, cause: err}
}

func (r *Response) Seq() string       { return r.SequenceID }
func (r *Response) SetSeq(seq string) { r.SequenceID = seq }
func (r *Response) Type() Type        { return TypeResponse }

// Err returns the carried exception as an error, or nil on success.
func (r *Response) Err() error {
	if r.Exception == nil {
		return nil
	}
	if r.cause != nil {
		if rpcerr.KindOf(r.cause) == r.Exception.Kind {
			return r.cause
		}
		return rpcerr.Wrap(r.cause, r.Exception.Kind, "")
	}
	return r.Exception.Err()
}

// Validate enforces that exactly one of ReturnValue and Exception is meaningful.
func (r *Response) Validate() error {
	if r.Exception != nil && r.ReturnValue != nil {
		return rpcerr.New(rpcerr.DeserializeFailed, "response %s carries both a value and an exception", r.SequenceID)
	}
	return nil
}

// Heartbeat is a liveness signal without payload.
type Heartbeat struct {
	SequenceID string `json:"sequenceId"`
}

func (h *Heartbeat) Seq() string       { return h.SequenceID }
func (h *Heartbeat) SetSeq(seq string) { h.SequenceID = seq }
func (h *Heartbeat) Type() Type        { return TypeHeartbeat }

// New returns an empty message of type t, ready to be filled by a decoder.
func New(t Type) (Message, error) {
	switch t {
	case TypeRequest:
		return &Request{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	default:
		return nil, rpcerr.New(rpcerr.UnknownMessageType, "message type %d", byte(t))
	}
}
