package codec

import (
	"encoding/json"
	"fmt"

	"lightbus/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m *message.Message) ([]byte, error) {
	return json.Marshal(m)
}

func (c *JSONCodec) Decode(data []byte) (*message.Message, error) {
	m := &message.Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
