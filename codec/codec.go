// Package codec serializes command and response envelopes for the wire.
//
// Two formats are supported. JSON is human-readable and handy when poking at
// the server by hand; CBOR is compact and keeps integer and float arguments
// distinct, which matters for positions and counts alike.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &CBORCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json", "JSON":
		return CodecTypeJSON, nil
	case "cbor", "CBOR", "":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "cbor"
}
