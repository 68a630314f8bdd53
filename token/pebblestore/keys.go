package pebblestore

import (
	"encoding/binary"
	"errors"
)

// EntryPrefix is the table id of token entries.
const EntryPrefix = 1

// TableID|Processor|0|Segment
// 0 byte delimited is used to construct composite key from Processor and
// Segment. Segment is big endian so entries of a processor iterate in order.
func entryKey(processor string, segment int) []byte {
	b := make([]byte, 0, len(processor)+6)
	b = append(b, byte(EntryPrefix))
	b = append(b, processor...)
	b = append(b, 0)
	return binary.BigEndian.AppendUint32(b, uint32(segment))
}

// processorBounds returns the key range holding every entry of processor.
func processorBounds(processor string) (lower, upper []byte) {
	lower = make([]byte, 0, len(processor)+2)
	lower = append(lower, byte(EntryPrefix))
	lower = append(lower, processor...)
	upper = append(append([]byte{}, lower...), 1)
	lower = append(lower, 0)
	return lower, upper
}

func segmentFromKey(key []byte) (int, error) {
	if len(key) < 6 || key[len(key)-5] != 0 {
		return 0, errors.New("pebblestore: malformed entry key")
	}
	return int(binary.BigEndian.Uint32(key[len(key)-4:])), nil
}
