package codec

import (
	jsoniter "github.com/json-iterator/go"

	"prpc/message"
	"prpc/rpcerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec is the schema-based serializer: the payload holds only field values and the
// target type comes from the frame header.
// Numbers inside ParameterValues and ReturnValue decode as float64, the server converts
// them to the declared parameter types.
type JSONCodec struct{}

func (c *JSONCodec) Name() string { return NameJSON }

func (c *JSONCodec) Encode(msg message.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.SerializeFailed, "json %s", msg.Type())
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, t message.Type) (message.Message, error) {
	msg, err := message.New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, rpcerr.Wrap(err, rpcerr.DeserializeFailed, "json %s", t)
	}
	return msg, nil
}
