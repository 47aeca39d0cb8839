package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Reader is a set of per-type cursors over a Message. Each Read method
// returns the next field of its type in write order, or false once that
// type is exhausted. A Reader is not safe for concurrent use; create one
// per goroutine with Message.Reader.
type Reader struct {
	msg    *Message
	cursor [numDataTypes]int
	json   JSONCodec
}

// WithJSON replaces the codec used by ReadJSON
func (r *Reader) WithJSON(codec JSONCodec) *Reader {
	if codec != nil {
		r.json = codec
	}
	return r
}

// Reset rewinds every cursor to the first field
func (r *Reader) Reset() {
	r.cursor = [numDataTypes]int{}
}

// Message returns the message being read
func (r *Reader) Message() *Message {
	return r.msg
}

// Remaining returns how many fields of type t are still unread
func (r *Reader) Remaining(t DataType) int {
	if !t.Valid() {
		return 0
	}
	return len(r.msg.index[t]) - r.cursor[t]
}

func (r *Reader) next(t DataType) ([]byte, bool) {
	idx := r.msg.index[t]
	if r.cursor[t] >= len(idx) {
		return nil, false
	}
	e := r.msg.entries[idx[r.cursor[t]]]
	r.cursor[t]++
	return r.msg.data[e.Origin:e.Dest], true
}

// rightAlign copies the low-order end of src into a width sized buffer.
// Short fields are zero padded on the left, long ones keep their last bytes.
func rightAlign(src []byte, width int) []byte {
	dst := make([]byte, width)
	if len(src) >= width {
		copy(dst, src[len(src)-width:])
	} else {
		copy(dst[width-len(src):], src)
	}
	return dst
}

// ReadBytes returns the next byte array field
func (r *Reader) ReadBytes() ([]byte, bool) {
	p, ok := r.next(TypeBytes)
	if !ok {
		return nil, false
	}
	return bytes.Clone(p), true
}

// ReadUTF returns the next string field, cut at its first NUL
func (r *Reader) ReadUTF() (string, bool) {
	p, ok := r.next(TypeUTF)
	if !ok {
		return "", false
	}
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p), true
}

// ReadInt16 returns the next int16 field
func (r *Reader) ReadInt16() (int16, bool) {
	p, ok := r.next(TypeInt16)
	if !ok {
		return 0, false
	}
	return int16(binary.BigEndian.Uint16(rightAlign(p, 2))), true
}

// ReadInt32 returns the next int32 field
func (r *Reader) ReadInt32() (int32, bool) {
	p, ok := r.next(TypeInt32)
	if !ok {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(rightAlign(p, 4))), true
}

// ReadInt64 returns the next int64 field
func (r *Reader) ReadInt64() (int64, bool) {
	p, ok := r.next(TypeInt64)
	if !ok {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(rightAlign(p, 8))), true
}

// ReadFloat32 returns the next float32 field
func (r *Reader) ReadFloat32() (float32, bool) {
	p, ok := r.next(TypeFloat32)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(binary.BigEndian.Uint32(rightAlign(p, 4))), true
}

// ReadFloat64 returns the next float64 field
func (r *Reader) ReadFloat64() (float64, bool) {
	p, ok := r.next(TypeFloat64)
	if !ok {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(rightAlign(p, 8))), true
}

// ReadBool returns the next boolean field. Only the byte value 1 is true.
func (r *Reader) ReadBool() (bool, bool) {
	p, ok := r.next(TypeBool)
	if !ok {
		return false, false
	}
	return p[0] == 1, true
}

// ReadRawJSON returns the next JSON field without parsing it
func (r *Reader) ReadRawJSON() ([]byte, bool) {
	p, ok := r.next(TypeJSON)
	if !ok {
		return nil, false
	}
	return bytes.Clone(p), true
}

// ReadJSON decodes the next JSON field into v. It reports false with a nil
// error when no JSON field is left.
func (r *Reader) ReadJSON(v any) (bool, error) {
	p, ok := r.next(TypeJSON)
	if !ok {
		return false, nil
	}
	if err := r.json.Unmarshal(p, v); err != nil {
		return true, fmt.Errorf("%w: json field: %v", ErrCodec, err)
	}
	return true, nil
}

// UTFs drains the remaining string fields
func (r *Reader) UTFs() []string {
	var out []string
	for {
		s, ok := r.ReadUTF()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

func (r *Reader) render(t DataType) string {
	switch t {
	case TypeBytes:
		p, _ := r.ReadBytes()
		return fmt.Sprintf("%d bytes", len(p))
	case TypeUTF:
		s, _ := r.ReadUTF()
		return strconv.Quote(s)
	case TypeInt16:
		v, _ := r.ReadInt16()
		return strconv.Itoa(int(v))
	case TypeInt32:
		v, _ := r.ReadInt32()
		return strconv.Itoa(int(v))
	case TypeInt64:
		v, _ := r.ReadInt64()
		return strconv.FormatInt(v, 10)
	case TypeFloat32:
		v, _ := r.ReadFloat32()
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case TypeFloat64:
		v, _ := r.ReadFloat64()
		return strconv.FormatFloat(v, 'g', -1, 64)
	case TypeBool:
		v, _ := r.ReadBool()
		return strconv.FormatBool(v)
	case TypeJSON:
		p, _ := r.ReadRawJSON()
		return string(p)
	}
	return "?"
}
