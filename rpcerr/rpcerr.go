// Package rpcerr defines the error taxonomy shared by every prpc layer.
//
// Every failure carries a Kind. Kinds are grouped into categories so that callers can
// tell "the transport is broken" (Protocol, Connectivity) from "your remote call failed"
// (Invocation) and from "nobody answered in time" (Timeout):
//
//	err := cli.Invoke(ctx, req)
//	switch rpcerr.CategoryOf(rpcerr.KindOf(err)) {
//	case rpcerr.CategoryConnectivity: // pick another instance and retry
//	case rpcerr.CategoryInvocation:   // the remote method failed, do not retry
//	}
package rpcerr

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind names one failure. Kinds travel on the wire inside an exception-bearing response,
// so their string values are part of the protocol.
type Kind string

// Protocol errors are fatal to the frame; the connection that produced them is closed.
const (
	UnknownMagicCode           Kind = "UnknownMagicCode"
	UnsupportedVersion         Kind = "UnsupportedVersion"
	UnknownMessageType         Kind = "UnknownMessageType"
	UnknownSerializerAlgorithm Kind = "UnknownSerializerAlgorithm"
	UnknownCompressAlgorithm   Kind = "UnknownCompressAlgorithm"
	SerializeFailed            Kind = "SerializeFailed"
	DeserializeFailed          Kind = "DeserializeFailed"
	MalformedFrame             Kind = "MalformedFrame"
	FrameTooLarge              Kind = "FrameTooLarge"
)

// Invocation errors are delivered as the result of a call; the connection stays open.
const (
	UnknownMethod      Kind = "UnknownMethod"
	FailedInvokeMethod Kind = "FailedInvokeMethod"
	ServiceNotFound    Kind = "ServiceNotFound"
	RateLimited        Kind = "RateLimited"
)

// Connectivity errors may be retried by the caller against a fresh instance.
const (
	ConnectInstanceError Kind = "ConnectInstanceError"
	NoMoreInstance       Kind = "NoMoreInstance"
	ConnectionClosed     Kind = "ConnectionClosed"
)

// Registry errors come from the registry backends.
const (
	RegistryError    Kind = "RegistryError"
	DeRegistryError  Kind = "DeRegistryError"
	GetInstanceError Kind = "GetInstanceError"
	ConnectFailed    Kind = "ConnectFailed"
)

// Configuration errors fail fast at startup or first use.
const (
	IllegalReconnectNumber      Kind = "IllegalReconnectNumber"
	UnknownLoadBalanceAlgorithm Kind = "UnknownLoadBalanceAlgorithm"
	IllegalExtension            Kind = "IllegalExtension"
	InvalidConfig               Kind = "InvalidConfig"
)

// InvocationTimeout is raised locally when no response arrived before the deadline.
const InvocationTimeout Kind = "InvocationTimeout"

// InvocationCanceled is raised locally when the caller gave up on the call.
const InvocationCanceled Kind = "InvocationCanceled"

// Category groups kinds by how a caller should react to them.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryProtocol
	CategoryInvocation
	CategoryConnectivity
	CategoryRegistry
	CategoryConfiguration
	CategoryTimeout
)

func (c Category) String() string {
	switch c {
	case CategoryProtocol:
		return "protocol"
	case CategoryInvocation:
		return "invocation"
	case CategoryConnectivity:
		return "connectivity"
	case CategoryRegistry:
		return "registry"
	case CategoryConfiguration:
		return "configuration"
	case CategoryTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var categories = map[Kind]Category{
	UnknownMagicCode:            CategoryProtocol,
	UnsupportedVersion:          CategoryProtocol,
	UnknownMessageType:          CategoryProtocol,
	UnknownSerializerAlgorithm:  CategoryProtocol,
	UnknownCompressAlgorithm:    CategoryProtocol,
	SerializeFailed:             CategoryProtocol,
	DeserializeFailed:           CategoryProtocol,
	MalformedFrame:              CategoryProtocol,
	FrameTooLarge:               CategoryProtocol,
	UnknownMethod:               CategoryInvocation,
	FailedInvokeMethod:          CategoryInvocation,
	ServiceNotFound:             CategoryInvocation,
	RateLimited:                 CategoryInvocation,
	ConnectInstanceError:        CategoryConnectivity,
	NoMoreInstance:              CategoryConnectivity,
	ConnectionClosed:            CategoryConnectivity,
	RegistryError:               CategoryRegistry,
	DeRegistryError:             CategoryRegistry,
	GetInstanceError:            CategoryRegistry,
	ConnectFailed:               CategoryRegistry,
	IllegalReconnectNumber:      CategoryConfiguration,
	UnknownLoadBalanceAlgorithm: CategoryConfiguration,
	IllegalExtension:            CategoryConfiguration,
	InvalidConfig:               CategoryConfiguration,
	InvocationTimeout:           CategoryTimeout,
	InvocationCanceled:          CategoryInvocation,
}

// CategoryOf returns the category of a kind, CategoryUnknown for foreign kinds.
func CategoryOf(k Kind) Category {
	return categories[k]
}

// Error is the concrete error type returned across prpc.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := "prpc: " + string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, rpcerr.ErrUnknownMethod) holds for any
// UnknownMethod error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or "" when err is not a prpc error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FromContext wraps the error of an ended context: InvocationTimeout for a missed
// deadline, InvocationCanceled otherwise.
func FromContext(ctxErr error, format string, args ...any) *Error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return Wrap(ctxErr, InvocationTimeout, format, args...)
	}
	return Wrap(ctxErr, InvocationCanceled, format, args...)
}

// IsTimeout reports whether err is a local invocation timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == InvocationTimeout
}

// Sentinels for errors.Is.
var (
	ErrUnknownMagicCode            = &Error{Kind: UnknownMagicCode}
	ErrUnknownSerializerAlgorithm  = &Error{Kind: UnknownSerializerAlgorithm}
	ErrUnknownCompressAlgorithm    = &Error{Kind: UnknownCompressAlgorithm}
	ErrDeserializeFailed           = &Error{Kind: DeserializeFailed}
	ErrFrameTooLarge               = &Error{Kind: FrameTooLarge}
	ErrUnknownMethod               = &Error{Kind: UnknownMethod}
	ErrFailedInvokeMethod          = &Error{Kind: FailedInvokeMethod}
	ErrServiceNotFound             = &Error{Kind: ServiceNotFound}
	ErrConnectInstanceError        = &Error{Kind: ConnectInstanceError}
	ErrNoMoreInstance              = &Error{Kind: NoMoreInstance}
	ErrConnectionClosed            = &Error{Kind: ConnectionClosed}
	ErrIllegalReconnectNumber      = &Error{Kind: IllegalReconnectNumber}
	ErrUnknownLoadBalanceAlgorithm = &Error{Kind: UnknownLoadBalanceAlgorithm}
	ErrIllegalExtension            = &Error{Kind: IllegalExtension}
	ErrInvocationTimeout           = &Error{Kind: InvocationTimeout}
	ErrInvocationCanceled          = &Error{Kind: InvocationCanceled}
)
