package codec

import (
	"reflect"

	"prpc/rpcerr"
)

// Portable reduces v to values every serializer can carry: scalars stay as they are,
// anything else (structs, typed slices and maps) becomes its generic JSON shape.
func Portable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if isScalar(rv.Kind()) {
		return v, nil
	}
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.SerializeFailed, "value of type %T", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.SerializeFailed, "value of type %T", v)
	}
	return out, nil
}

// Convert turns a decoded value into t. Decoded values are loosely typed (JSON yields
// float64 and map[string]any, Hessian2 yields int64 and []any), so numbers are converted
// between kinds and composite values go through a JSON round trip.
func Convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		return rv.Convert(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, rpcerr.Wrap(err, rpcerr.DeserializeFailed, "convert %T to %s", v, t)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, rpcerr.Wrap(err, rpcerr.DeserializeFailed, "convert %T to %s", v, t)
	}
	return ptr.Elem(), nil
}

// TypeName is the parameter type name sent on the wire for a Go type.
func TypeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	return t.String()
}

func isNumber(k reflect.Kind) bool {
	return (k >= reflect.Int && k <= reflect.Float64) && k != reflect.Uintptr
}

func isScalar(k reflect.Kind) bool {
	return k == reflect.Bool || k == reflect.String || isNumber(k)
}
