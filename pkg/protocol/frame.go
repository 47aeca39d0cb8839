package protocol

import (
	"encoding/binary"
)

// EncodeFrame serializes a message as [8-byte type id][payload]
func EncodeFrame(m *Message) []byte {
	buf := make([]byte, TypeIDSize+len(m.payload))
	binary.BigEndian.PutUint64(buf[0:TypeIDSize], uint64(m.typeID))
	copy(buf[TypeIDSize:], m.payload)
	return buf
}

// PeekTypeID returns the type id of a frame without decoding the payload
func PeekTypeID(frame []byte) (int64, error) {
	if len(frame) < TypeIDSize {
		return 0, ErrShortFrame
	}
	return int64(binary.BigEndian.Uint64(frame[0:TypeIDSize])), nil
}

// DecodeFrame parses one logical frame delivered by the transport
func DecodeFrame(frame []byte) (*Message, error) {
	id, err := PeekTypeID(frame)
	if err != nil {
		return nil, err
	}
	return Decode(id, frame[TypeIDSize:])
}

// Empty builds a message with no fields
func Empty(typeID int64) (*Message, error) {
	return NewBuilder().Build(typeID)
}
