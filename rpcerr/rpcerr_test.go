package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(UnknownMethod, "Greeter.bye not found")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
	assert.False(t, errors.Is(err, ErrFailedInvokeMethod))

	wrapped := fmt.Errorf("call failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrUnknownMethod))
	assert.Equal(t, UnknownMethod, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(context.DeadlineExceeded, InvocationTimeout, "seq %s", "abc")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsTimeout(err))
	assert.Equal(t, "prpc: InvocationTimeout: seq abc: context deadline exceeded", err.Error())
}

func TestCategories(t *testing.T) {
	assert.Equal(t, CategoryProtocol, CategoryOf(UnknownMagicCode))
	assert.Equal(t, CategoryInvocation, CategoryOf(FailedInvokeMethod))
	assert.Equal(t, CategoryConnectivity, CategoryOf(NoMoreInstance))
	assert.Equal(t, CategoryRegistry, CategoryOf(GetInstanceError))
	assert.Equal(t, CategoryConfiguration, CategoryOf(IllegalReconnectNumber))
	assert.Equal(t, CategoryTimeout, CategoryOf(InvocationTimeout))
	assert.Equal(t, CategoryUnknown, CategoryOf(Kind("Whatever")))
	assert.Equal(t, "connectivity", CategoryConnectivity.String())
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.False(t, IsTimeout(nil))
}

func TestFromContext(t *testing.T) {
	timeout := FromContext(context.DeadlineExceeded, "seq %s", "a")
	assert.True(t, IsTimeout(timeout))
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	canceled := FromContext(context.Canceled, "seq %s", "b")
	assert.Equal(t, InvocationCanceled, KindOf(canceled))
	assert.Equal(t, CategoryInvocation, CategoryOf(InvocationCanceled))
	assert.ErrorIs(t, canceled, context.Canceled)
}
