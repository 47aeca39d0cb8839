package protocol

import (
	"errors"
	"fmt"
)

// Opcode is a reserved message type id interpreted by the protocol engine
type Opcode int64

// Reserved opcodes
const (
	OpKeyExchange    Opcode = 0
	OpChannelOpen    Opcode = 1
	OpChannelClose   Opcode = 2
	OpChannelJoin    Opcode = 3
	OpChannelLeave   Opcode = 4
	OpChannelMessage Opcode = 5
	OpDiscover       Opcode = 6
	OpEncoded        Opcode = 7
	OpAccessKey      Opcode = 8
	OpDisconnection  Opcode = 9

	opcodeMin = OpKeyExchange
	opcodeMax = OpDisconnection
)

// ID returns the opcode as a message type id
func (o Opcode) ID() int64 {
	return int64(o)
}

func (o Opcode) String() string {
	switch o {
	case OpKeyExchange:
		return "KEY_EXCHANGE"
	case OpChannelOpen:
		return "CHANNEL_OPEN"
	case OpChannelClose:
		return "CHANNEL_CLOSE"
	case OpChannelJoin:
		return "CHANNEL_JOIN"
	case OpChannelLeave:
		return "CHANNEL_LEAVE"
	case OpChannelMessage:
		return "CHANNEL_MESSAGE"
	case OpDiscover:
		return "DISCOVER"
	case OpEncoded:
		return "ENCODED"
	case OpAccessKey:
		return "ACCESS_KEY"
	case OpDisconnection:
		return "DISCONNECTION"
	}
	return fmt.Sprintf("APPLICATION(%d)", int64(o))
}

// IsOpcode reports whether id falls in the reserved opcode range.
// Every other id is an application message.
func IsOpcode(id int64) bool {
	return id >= int64(opcodeMin) && id <= int64(opcodeMax)
}

// DataType identifies how a field's bytes are interpreted
type DataType byte

// Field data types
const (
	TypeBytes   DataType = 0
	TypeUTF     DataType = 1
	TypeInt16   DataType = 2
	TypeInt32   DataType = 3
	TypeInt64   DataType = 4
	TypeFloat32 DataType = 5
	TypeFloat64 DataType = 6
	TypeBool    DataType = 7
	TypeJSON    DataType = 8

	numDataTypes = 9
)

// Valid reports whether t is a known data type
func (t DataType) Valid() bool {
	return t < numDataTypes
}

func (t DataType) String() string {
	switch t {
	case TypeBytes:
		return "bytes"
	case TypeUTF:
		return "utf"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeJSON:
		return "json"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Size limits
const (
	// TypeIDSize is the length of the frame type id prefix
	TypeIDSize = 8

	// EntrySize is the encoded length of one table entry
	EntrySize = 9

	// MaxPayloadSize bounds the inflated size of a payload block
	MaxPayloadSize = 16 << 20
)

var (
	// ErrCodec is wrapped by every malformed or truncated input error
	ErrCodec = errors.New("codec error")

	// ErrAlreadyBuilt is returned when Build is called twice on one Builder
	ErrAlreadyBuilt = errors.New("message already built")

	ErrShortFrame     = fmt.Errorf("%w: frame shorter than type id", ErrCodec)
	ErrShortPayload   = fmt.Errorf("%w: payload shorter than length prefix", ErrCodec)
	ErrPayloadTooBig  = fmt.Errorf("%w: declared payload exceeds limit", ErrCodec)
	ErrLengthMismatch = fmt.Errorf("%w: inflated length disagrees with header", ErrCodec)
	ErrInvalidTable   = fmt.Errorf("%w: invalid field table", ErrCodec)
)
