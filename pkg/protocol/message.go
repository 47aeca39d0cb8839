package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// Message is an immutable decoded envelope. Fields are read through a
// Reader obtained from Reader(); every Reader starts at the first field of
// each type and never affects other readers.
type Message struct {
	typeID  int64
	payload []byte
	data    []byte
	entries []TableEntry
	index   [numDataTypes][]int
}

func newMessage(typeID int64, payload []byte, entries []TableEntry, data []byte) *Message {
	m := &Message{
		typeID:  typeID,
		payload: payload,
		data:    data,
		entries: append([]TableEntry(nil), entries...),
	}
	for i, e := range m.entries {
		m.index[e.Type] = append(m.index[e.Type], i)
	}
	return m
}

// Decode parses a compressed payload block. The whole field table is
// validated here so later reads can only report absence.
func Decode(typeID int64, payload []byte) (*Message, error) {
	if len(payload) < 4 {
		return nil, ErrShortPayload
	}

	declared := binary.BigEndian.Uint32(payload[0:4])
	if declared > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, declared)
	}

	zr, err := zlib.NewReader(bytes.NewReader(payload[4:]))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCodec, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, int64(declared)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCodec, err)
	}
	if uint32(len(raw)) != declared {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, len(raw), declared)
	}

	entries, data, err := parseTable(raw)
	if err != nil {
		return nil, err
	}

	return newMessage(typeID, append([]byte(nil), payload...), entries, data), nil
}

// TypeID returns the envelope type id
func (m *Message) TypeID() int64 {
	return m.typeID
}

// Opcode returns the reserved opcode for the message, if it is one
func (m *Message) Opcode() (Opcode, bool) {
	return Opcode(m.typeID), IsOpcode(m.typeID)
}

// Is reports whether the message carries the given opcode
func (m *Message) Is(op Opcode) bool {
	return m.typeID == op.ID()
}

// Payload returns a copy of the compressed payload block
func (m *Message) Payload() []byte {
	return bytes.Clone(m.payload)
}

// Size returns the length of the compressed payload block
func (m *Message) Size() int {
	return len(m.payload)
}

// Data returns a copy of the uncompressed field data block
func (m *Message) Data() []byte {
	return bytes.Clone(m.data)
}

// Fields returns a copy of the field table in write order
func (m *Message) Fields() []TableEntry {
	return append([]TableEntry(nil), m.entries...)
}

// Count returns how many fields of type t the message holds
func (m *Message) Count(t DataType) int {
	if !t.Valid() {
		return 0
	}
	return len(m.index[t])
}

// Reader returns a fresh cursor over the message fields
func (m *Message) Reader() *Reader {
	return &Reader{msg: m, json: DefaultJSON}
}

// String renders every field for logging without touching any caller's cursor
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message{id=%s", Opcode(m.typeID))

	r := m.Reader()
	for t := DataType(0); t < numDataTypes; t++ {
		if m.Count(t) == 0 {
			continue
		}
		fmt.Fprintf(&sb, " %s=[", t)
		for i := 0; i < m.Count(t); i++ {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(r.render(t))
		}
		sb.WriteString("]")
	}

	sb.WriteString("}")
	return sb.String()
}
