package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zlib"
)

// Builder accumulates typed fields for a single message.
// Write methods chain; the first JSON encoding failure is kept and
// reported by Build.
type Builder struct {
	table []TableEntry
	data  bytes.Buffer
	json  JSONCodec
	err   error
	built bool
}

// NewBuilder creates an empty builder using the default JSON codec
func NewBuilder() *Builder {
	return &Builder{json: DefaultJSON}
}

// WithJSON replaces the codec used by WriteJSON
func (b *Builder) WithJSON(codec JSONCodec) *Builder {
	if codec != nil {
		b.json = codec
	}
	return b
}

func (b *Builder) append(t DataType, p []byte) *Builder {
	origin := int32(b.data.Len())
	b.data.Write(p)
	b.table = append(b.table, TableEntry{Type: t, Origin: origin, Dest: int32(b.data.Len())})
	return b
}

// WriteBytes appends a byte array field
func (b *Builder) WriteBytes(p []byte) *Builder {
	return b.append(TypeBytes, p)
}

// WriteUTF appends a string field. The stored form is NUL terminated.
func (b *Builder) WriteUTF(s string) *Builder {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return b.append(TypeUTF, buf)
}

// WriteInt16 appends a big-endian int16 field
func (b *Builder) WriteInt16(v int16) *Builder {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(v))
	return b.append(TypeInt16, buf[:])
}

// WriteInt32 appends a big-endian int32 field
func (b *Builder) WriteInt32(v int32) *Builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return b.append(TypeInt32, buf[:])
}

// WriteInt64 appends a big-endian int64 field
func (b *Builder) WriteInt64(v int64) *Builder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return b.append(TypeInt64, buf[:])
}

// WriteFloat32 appends an IEEE-754 float32 field
func (b *Builder) WriteFloat32(v float32) *Builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], math.Float32bits(v))
	return b.append(TypeFloat32, buf[:])
}

// WriteFloat64 appends an IEEE-754 float64 field
func (b *Builder) WriteFloat64(v float64) *Builder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return b.append(TypeFloat64, buf[:])
}

// WriteBool appends a single byte boolean field
func (b *Builder) WriteBool(v bool) *Builder {
	var flag byte
	if v {
		flag = 1
	}
	return b.append(TypeBool, []byte{flag})
}

// WriteJSON encodes v with the builder's codec and appends it as a JSON field
func (b *Builder) WriteJSON(v any) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := b.json.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("%w: json field: %v", ErrCodec, err)
		return b
	}
	return b.append(TypeJSON, raw)
}

// WriteRawJSON appends already encoded JSON bytes
func (b *Builder) WriteRawJSON(raw []byte) *Builder {
	return b.append(TypeJSON, raw)
}

// Build serializes the fields into a compressed payload. A builder can
// only be built once.
func (b *Builder) Build(typeID int64) (*Message, error) {
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	if b.err != nil {
		return nil, b.err
	}
	b.built = true

	data := b.data.Bytes()
	tableLen := len(b.table) * EntrySize
	raw := make([]byte, 4+tableLen+len(data))
	if len(raw) > MaxPayloadSize {
		return nil, ErrPayloadTooBig
	}

	binary.BigEndian.PutUint32(raw[0:4], uint32(tableLen))
	off := 4
	for _, e := range b.table {
		e.encode(raw[off : off+EntrySize])
		off += EntrySize
	}
	copy(raw[off:], data)

	payload, err := compress(raw)
	if err != nil {
		return nil, err
	}

	return newMessage(typeID, payload, b.table, raw[4+tableLen:]), nil
}

// BuildOp is Build for a reserved opcode
func (b *Builder) BuildOp(op Opcode) (*Message, error) {
	return b.Build(op.ID())
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(raw)))
	buf.Write(size[:])

	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrCodec, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrCodec, err)
	}

	return buf.Bytes(), nil
}
