package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"lightbus/message"
)

// Binary wire layout (big-endian, network byte order):
//
//	0     2   3   4         6            8...
//	┌─────┬───┬───┬─────────┬────────────┬──────────────────────────────┐
//	│magic│ v │knd│ tsNanos │ field data │ cid, api, name, error, body  │
//	│ lb  │01 │   │ int64   │            │ each length-prefixed         │
//	└─────┴───┴───┴─────────┴────────────┴──────────────────────────────┘
//
// Strings carry a 2-byte length prefix, the payload a 4-byte prefix. The
// magic bytes let a receiver reject frames from a foreign producer before
// attempting to parse field lengths out of garbage.
const (
	magicByte1 byte = 0x6c // 'l'
	magicByte2 byte = 0x62 // 'b'
	version    byte = 0x01

	preambleSize = 2 + 1 + 1 + 8 // magic + version + kind + timestamp
)

var kindToByte = map[message.Kind]byte{
	message.KindRequest:  0,
	message.KindResponse: 1,
	message.KindEvent:    2,
}

var byteToKind = map[byte]message.Kind{
	0: message.KindRequest,
	1: message.KindResponse,
	2: message.KindEvent,
}

// BinaryCodec is a compact fixed-layout encoding of the envelope.
// Roughly 3x smaller than JSON for small payloads and allocation-light.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(m *message.Message) ([]byte, error) {
	kind, ok := kindToByte[m.Kind]
	if !ok {
		return nil, fmt.Errorf("binary codec: unknown kind %q", m.Kind)
	}
	// The length prefixes cap field sizes; a field that does not fit must
	// fail here, not wrap around into an undecodable frame.
	for _, f := range []struct {
		name string
		size int
	}{
		{"correlation id", len(m.CorrelationID)},
		{"api", len(m.Api)},
		{"name", len(m.Name)},
		{"error", len(m.Error)},
	} {
		if f.size > math.MaxUint16 {
			return nil, fmt.Errorf("binary codec: %s length %d exceeds %d", f.name, f.size, math.MaxUint16)
		}
	}
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("binary codec: payload length %d exceeds %d", len(m.Payload), uint32(math.MaxUint32))
	}

	total := preambleSize +
		2 + len(m.CorrelationID) +
		2 + len(m.Api) +
		2 + len(m.Name) +
		2 + len(m.Error) +
		4 + len(m.Payload)
	buf := make([]byte, total)

	buf[0] = magicByte1
	buf[1] = magicByte2
	buf[2] = version
	buf[3] = kind
	binary.BigEndian.PutUint64(buf[4:12], uint64(m.Timestamp.UnixNano()))

	offset := preambleSize
	offset = putString(buf, offset, m.CorrelationID)
	offset = putString(buf, offset, m.Api)
	offset = putString(buf, offset, m.Name)
	offset = putString(buf, offset, m.Error)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(m.Payload)))
	offset += 4
	copy(buf[offset:], m.Payload)

	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte) (*message.Message, error) {
	if len(data) < preambleSize {
		return nil, fmt.Errorf("binary codec: frame too short (%d bytes)", len(data))
	}
	if data[0] != magicByte1 || data[1] != magicByte2 {
		return nil, fmt.Errorf("binary codec: invalid magic number: %x", data[0:2])
	}
	if data[2] != version {
		return nil, fmt.Errorf("binary codec: unsupported version: %d", data[2])
	}
	kind, ok := byteToKind[data[3]]
	if !ok {
		return nil, fmt.Errorf("binary codec: unknown kind byte: %d", data[3])
	}
	tsNanos := int64(binary.BigEndian.Uint64(data[4:12]))

	offset := preambleSize
	var err error
	m := &message.Message{
		Kind:      kind,
		Timestamp: time.Unix(0, tsNanos).UTC(),
	}

	if m.CorrelationID, offset, err = getString(data, offset); err != nil {
		return nil, err
	}
	if m.Api, offset, err = getString(data, offset); err != nil {
		return nil, err
	}
	if m.Name, offset, err = getString(data, offset); err != nil {
		return nil, err
	}
	if m.Error, offset, err = getString(data, offset); err != nil {
		return nil, err
	}

	if offset+4 > len(data) {
		return nil, fmt.Errorf("binary codec: truncated payload length at offset %d", offset)
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if offset+payloadLen > len(data) {
		return nil, fmt.Errorf("binary codec: payload length %d exceeds frame", payloadLen)
	}
	if payloadLen > 0 {
		m.Payload = make([]byte, payloadLen)
		copy(m.Payload, data[offset:offset+payloadLen])
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:], s)
	return offset + len(s)
}

func getString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", 0, fmt.Errorf("binary codec: truncated string length at offset %d", offset)
	}
	strLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+strLen > len(data) {
		return "", 0, fmt.Errorf("binary codec: string length %d exceeds frame", strLen)
	}
	return string(data[offset : offset+strLen]), offset + strLen, nil
}
