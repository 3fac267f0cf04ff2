// Package codec turns envelopes into frame payloads and back.
package codec

import "fmt"

type CodecType string

const (
	CodecTypeJSON CodecType = "json"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON, "":
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("codec: unsupported codec type %q", codecType)
}
