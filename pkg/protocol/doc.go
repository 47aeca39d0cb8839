// Package protocol implements the ZenTalk channeling wire format.
//
// # Frame Format
//
// Every logical frame carried by the transport is:
//   - TypeID (8 bytes, big-endian): reserved opcode or application message id
//   - Payload (remaining bytes): compressed typed-field block
//
// # Payload Format
//
// The payload is a zlib stream prefixed with its inflated length:
//
//	[4-byte uncompressed length][zlib([4-byte table length][table][data])]
//
// The table is a sequence of 9-byte entries, one per field:
//   - Type (1 byte): DataType of the field
//   - Origin (4 bytes): start offset in the data block
//   - Dest (4 bytes): end offset in the data block (exclusive)
//
// # Fields
//
// Fields are written through a Builder and read back through a Reader.
// Each data type keeps its own cursor, so consecutive ReadUTF calls return
// strings in write order no matter how they interleave with reads of other
// types. Reading past the last field of a type reports absence instead of
// failing, which is how field loops terminate:
//
//	r := msg.Reader()
//	for {
//	    name, ok := r.ReadUTF()
//	    if !ok {
//	        break
//	    }
//	    names = append(names, name)
//	}
//
// # Opcodes
//
// Ids 0 through 9 are reserved for the protocol engine (see Opcode). Any
// other id is an application message and is passed through untouched.
package protocol
