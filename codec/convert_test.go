package codec

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Tag string `json:"tag"`
}

func TestConvertNumbers(t *testing.T) {
	v, err := Convert(float64(42), reflect.TypeOf(int(0)))
	require.NoError(t, err)
	assert.Equal(t, 42, v.Interface())

	v, err = Convert(int64(7), reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	assert.Equal(t, int32(7), v.Interface())
}

func TestConvertComposite(t *testing.T) {
	decoded := map[string]any{"x": float64(1), "y": int64(2), "tag": "p"}
	v, err := Convert(decoded, reflect.TypeOf(point{}))
	require.NoError(t, err)
	assert.Equal(t, point{X: 1, Y: 2, Tag: "p"}, v.Interface())

	v, err = Convert([]any{"a", "b"}, reflect.TypeOf([]string(nil)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Interface())
}

func TestConvertNilAndAssignable(t *testing.T) {
	v, err := Convert(nil, reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "", v.Interface())

	v, err = Convert("Alice", reflect.TypeOf(""))
	require.NoError(t, err)
	assert.Equal(t, "Alice", v.Interface())
}

func TestConvertMismatch(t *testing.T) {
	_, err := Convert("not a number", reflect.TypeOf(point{}))
	assert.Error(t, err)
}

func TestPortable(t *testing.T) {
	v, err := Portable(point{X: 1, Y: 2, Tag: "p"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(2), "tag": "p"}, v)

	v, err = Portable("Hello Alice")
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice", v)

	var nilPoint *point
	v, err = Portable(nilPoint)
	require.NoError(t, err)
	assert.Nil(t, v)
}
