package codec

import (
	"fmt"

	hessian "github.com/apache/dubbo-go-hessian2"

	"prpc/message"
	"prpc/rpcerr"
)

// Hessian2Codec is the self-describing serializer. Every field is written as a hessian
// value in a fixed order, so the payload carries its own types:
//
//	Request:   seq, interface, method, group, types(count, items), values(count, items), returnType
//	Response:  seq, hasException, (kind, message) | returnValue
//	Heartbeat: seq
//
// Values must be hessian encodable: primitives, strings, slices, maps or registered POJOs.
type Hessian2Codec struct{}

func (c *Hessian2Codec) Name() string { return NameHessian2 }

func (c *Hessian2Codec) Encode(msg message.Message) ([]byte, error) {
	enc := hessian.NewEncoder()
	var err error
	switch m := msg.(type) {
	case *message.Request:
		err = encodeAll(enc, m.SequenceID, m.InterfaceName, m.MethodName, m.GroupName)
		if err == nil {
			err = encodeStrings(enc, m.ParameterTypes)
		}
		if err == nil {
			err = encodeValues(enc, m.ParameterValues)
		}
		if err == nil {
			err = enc.Encode(m.ReturnType)
		}
	case *message.Response:
		if m.Exception != nil {
			err = encodeAll(enc, m.SequenceID, true, string(m.Exception.Kind), m.Exception.Message)
		} else {
			err = encodeAll(enc, m.SequenceID, false, m.ReturnValue)
		}
	case *message.Heartbeat:
		err = enc.Encode(m.SequenceID)
	default:
		err = fmt.Errorf("unsupported message %T", msg)
	}
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.SerializeFailed, "hessian2 %s", msg.Type())
	}
	return enc.Buffer(), nil
}

// Decode never panics on hostile input: slice counts are bounded by the payload size and
// a panic inside the hessian decoder is reported as DeserializeFailed.
func (c *Hessian2Codec) Decode(data []byte, t message.Type) (_ message.Message, err error) {
	msg, err := message.New(t)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = rpcerr.New(rpcerr.DeserializeFailed, "hessian2 %s: %v", t, r)
		}
	}()
	dec := hessian.NewDecoder(data)
	switch m := msg.(type) {
	case *message.Request:
		err = decodeRequest(dec, m, len(data))
	case *message.Response:
		err = decodeResponse(dec, m)
	case *message.Heartbeat:
		m.SequenceID, err = decodeString(dec)
	}
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.DeserializeFailed, "hessian2 %s", t)
	}
	return msg, nil
}

func decodeRequest(dec *hessian.Decoder, m *message.Request, size int) error {
	var err error
	for _, field := range []*string{&m.SequenceID, &m.InterfaceName, &m.MethodName, &m.GroupName} {
		if *field, err = decodeString(dec); err != nil {
			return err
		}
	}
	if m.ParameterTypes, err = decodeStrings(dec, size); err != nil {
		return err
	}
	if m.ParameterValues, err = decodeValues(dec, size); err != nil {
		return err
	}
	m.ReturnType, err = decodeString(dec)
	return err
}

func decodeResponse(dec *hessian.Decoder, m *message.Response) error {
	var err error
	if m.SequenceID, err = decodeString(dec); err != nil {
		return err
	}
	v, err := dec.Decode()
	if err != nil {
		return err
	}
	hasException, ok := v.(bool)
	if !ok {
		return fmt.Errorf("exception flag: unexpected %T", v)
	}
	if !hasException {
		m.ReturnValue, err = decodeValue(dec)
		return err
	}
	kind, err := decodeString(dec)
	if err != nil {
		return err
	}
	text, err := decodeString(dec)
	if err != nil {
		return err
	}
	m.Exception = &message.Exception{Kind: rpcerr.Kind(kind), Message: text}
	return nil
}

func encodeAll(enc *hessian.Encoder, vs ...any) error {
	for _, v := range vs {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

// Slices are written as an int32 count followed by their items; -1 marks nil.
func encodeStrings(enc *hessian.Encoder, ss []string) error {
	if ss == nil {
		return enc.Encode(int32(-1))
	}
	if err := enc.Encode(int32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func encodeValues(enc *hessian.Encoder, vs []any) error {
	if vs == nil {
		return enc.Encode(int32(-1))
	}
	if err := enc.Encode(int32(len(vs))); err != nil {
		return err
	}
	return encodeAll(enc, vs...)
}

func decodeString(dec *hessian.Decoder) (string, error) {
	v, err := dec.Decode()
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

// decodeCount reads a slice count. Every item occupies at least one byte, so a count
// above the payload size cannot be honest.
func decodeCount(dec *hessian.Decoder, size int) (int, error) {
	v, err := dec.Decode()
	if err != nil {
		return 0, err
	}
	var n int64
	switch c := v.(type) {
	case int32:
		n = int64(c)
	case int64:
		n = c
	default:
		return 0, fmt.Errorf("expected count, got %T", v)
	}
	if n < -1 || n > int64(size) {
		return 0, fmt.Errorf("count %d out of range for a %d-byte payload", n, size)
	}
	return int(n), nil
}

func decodeStrings(dec *hessian.Decoder, size int) ([]string, error) {
	n, err := decodeCount(dec, size)
	if err != nil || n < 0 {
		return nil, err
	}
	ss := make([]string, n)
	for i := range ss {
		if ss[i], err = decodeString(dec); err != nil {
			return nil, err
		}
	}
	return ss, nil
}

func decodeValues(dec *hessian.Decoder, size int) ([]any, error) {
	n, err := decodeCount(dec, size)
	if err != nil || n < 0 {
		return nil, err
	}
	vs := make([]any, n)
	for i := range vs {
		if vs[i], err = decodeValue(dec); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func decodeValue(dec *hessian.Decoder) (any, error) {
	v, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// normalize turns hessian's untyped maps into map[string]any when every key is a string,
// which is what the JSON serializer yields for the same value.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return t
			}
			out[ks] = normalize(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}
