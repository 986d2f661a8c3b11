// Package codec serializes bus envelopes to transport payloads and back.
package codec

import "lightbus/message"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Codec converts between a message envelope and its wire bytes.
// Implementations must be safe for concurrent use.
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(data []byte) (*message.Message, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}

	return &JSONCodec{}
}
