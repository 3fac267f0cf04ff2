package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec serializes envelopes as one JSON object per frame.
// Decoding uses UseNumber so that numeric ids and params keep their exact text.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("codec: trailing data after JSON object")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
