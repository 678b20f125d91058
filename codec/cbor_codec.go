package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode produces Core Deterministic Encoding: same logical envelope,
// identical bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps (kwargs, posv tables) as map[string]any so
// values coming off the wire look the same as JSON-decoded ones.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec encodes envelopes as CBOR (RFC 8949).
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
