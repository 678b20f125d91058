package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Numbers decode as float64 unless the target field says otherwise.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode keeps numbers in any-typed fields as json.Number so integer
// arguments survive the trip without a float round.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
