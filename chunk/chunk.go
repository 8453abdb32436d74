// Package chunk decodes the optional per-frame metadata region that a
// trailer can declare after the image payload: a forward sequence of
// {chunk ID, length, data} tuples.
package chunk

import (
	"encoding/binary"
	"fmt"
)

// descriptorSize is the fixed prefix of each tuple: chunk ID plus length.
const descriptorSize = 8

// Parse decodes the chunk region of a completed frame into a map of chunk
// ID to raw data. Chunk IDs the caller does not recognize are still framed
// correctly via their declared length, so unknown chunks pass through
// untouched. The returned slices alias tail.
//
// A declared length that would overrun the region is a parse error; the
// caller discards the chunk map but the image payload remains valid.
func Parse(tail []byte) (map[uint32][]byte, error) {
	chunks := make(map[uint32][]byte)
	for off := 0; off < len(tail); {
		rest := tail[off:]
		if len(rest) < descriptorSize {
			return nil, fmt.Errorf("chunk: truncated descriptor at offset %d (%d bytes left)", off, len(rest))
		}
		id := binary.BigEndian.Uint32(rest[0:4])
		length := int(binary.BigEndian.Uint32(rest[4:8]))
		if length > len(rest)-descriptorSize {
			return nil, fmt.Errorf("chunk: chunk 0x%08X declares %d bytes, only %d remain", id, length, len(rest)-descriptorSize)
		}
		chunks[id] = rest[descriptorSize : descriptorSize+length]
		off += descriptorSize + length
	}
	return chunks, nil
}

// Append serializes one chunk tuple onto dst, used by the simulator and tests.
func Append(dst []byte, id uint32, data []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, id)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}
