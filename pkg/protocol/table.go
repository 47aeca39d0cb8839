package protocol

import (
	"encoding/binary"
	"fmt"
)

// TableEntry describes one field as a byte range of the data block
type TableEntry struct {
	Type   DataType
	Origin int32
	Dest   int32
}

// Len returns the number of data bytes covered by the entry
func (e TableEntry) Len() int {
	return int(e.Dest - e.Origin)
}

func (e TableEntry) encode(buf []byte) {
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(e.Origin))
	binary.BigEndian.PutUint32(buf[5:9], uint32(e.Dest))
}

func decodeEntry(buf []byte) TableEntry {
	return TableEntry{
		Type:   DataType(buf[0]),
		Origin: int32(binary.BigEndian.Uint32(buf[1:5])),
		Dest:   int32(binary.BigEndian.Uint32(buf[5:9])),
	}
}

// validate checks the entry against a data block of dataLen bytes
func (e TableEntry) validate(dataLen int) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown data type %d", ErrInvalidTable, byte(e.Type))
	}
	if e.Origin < 0 || e.Dest < e.Origin || int(e.Dest) > dataLen {
		return fmt.Errorf("%w: %s field range [%d,%d) outside %d data bytes",
			ErrInvalidTable, e.Type, e.Origin, e.Dest, dataLen)
	}
	if e.Type == TypeBool && e.Dest == e.Origin {
		return fmt.Errorf("%w: empty bool field", ErrInvalidTable)
	}
	return nil
}

// parseTable splits an inflated payload block into its entries and data
func parseTable(raw []byte) ([]TableEntry, []byte, error) {
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: missing table length", ErrInvalidTable)
	}

	tableLen := binary.BigEndian.Uint32(raw[0:4])
	if tableLen%EntrySize != 0 {
		return nil, nil, fmt.Errorf("%w: table length %d is not a multiple of %d", ErrInvalidTable, tableLen, EntrySize)
	}
	if uint64(tableLen) > uint64(len(raw)-4) {
		return nil, nil, fmt.Errorf("%w: table length %d exceeds block of %d bytes", ErrInvalidTable, tableLen, len(raw)-4)
	}

	tableEnd := 4 + int(tableLen)
	data := raw[tableEnd:]

	entries := make([]TableEntry, 0, tableLen/EntrySize)
	for off := 4; off < tableEnd; off += EntrySize {
		e := decodeEntry(raw[off : off+EntrySize])
		if err := e.validate(len(data)); err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}

	return entries, data, nil
}
