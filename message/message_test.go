package message

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prpc/rpcerr"
)

func TestNewByType(t *testing.T) {
	for _, typ := range []Type{TypeRequest, TypeResponse, TypeHeartbeat} {
		msg, err := New(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, msg.Type())
	}

	_, err := New(Type(9))
	assert.True(t, errors.Is(err, &rpcerr.Error{Kind: rpcerr.UnknownMessageType}))
}

func TestRequestServiceName(t *testing.T) {
	req := &Request{InterfaceName: "Greeter", GroupName: "g1"}
	assert.Equal(t, "Greeter:g1", req.ServiceName())

	req.SetSeq("abc")
	assert.Equal(t, "abc", req.Seq())
}

func TestExceptionResponse(t *testing.T) {
	resp := NewExceptionResponse("1", rpcerr.New(rpcerr.UnknownMethod, "Greeter.bye"))
	require.NotNil(t, resp.Exception)
	assert.Equal(t, rpcerr.UnknownMethod, resp.Exception.Kind)
	assert.Equal(t, "Greeter.bye", resp.Exception.Message)
	assert.True(t, errors.Is(resp.Err(), rpcerr.ErrUnknownMethod))

	cause := errors.New("division by zero")
	plain := NewExceptionResponse("2", cause)
	assert.Equal(t, rpcerr.FailedInvokeMethod, plain.Exception.Kind)
	assert.Equal(t, "division by zero", plain.Exception.Message)
	assert.Equal(t, rpcerr.FailedInvokeMethod, rpcerr.KindOf(plain.Err()))
	assert.ErrorIs(t, plain.Err(), cause)

	// Only kind and message survive the wire.
	remote := &Response{SequenceID: "2", Exception: plain.Exception}
	assert.Equal(t, rpcerr.FailedInvokeMethod, rpcerr.KindOf(remote.Err()))
	assert.NotErrorIs(t, remote.Err(), cause)
}

func TestResponseValidate(t *testing.T) {
	assert.NoError(t, NewResponse("1", "Hello Alice").Validate())
	assert.NoError(t, NewResponse("1", nil).Validate())

	both := &Response{SequenceID: "1", ReturnValue: "x", Exception: &Exception{Kind: rpcerr.FailedInvokeMethod}}
	assert.Equal(t, rpcerr.DeserializeFailed, rpcerr.KindOf(both.Validate()))
}
