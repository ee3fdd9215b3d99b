package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Item wire layout, identical in RAM and in segment cache files:
// | value size 4B LE | key size 1B | flags 1B | key + NUL | value |
const itemHeaderSize = 6

// MaxKeySize is bounded by the 1-byte key size field.
const MaxKeySize = 255

// Item header flags.
const (
	ItemFlagDeleted = 0x01
	ItemFlagMerge   = 0x02
)

var ErrKeyTooLong = errors.New("segment: key exceeds 255 bytes")

// ItemHeader describes one stored item. Items are append-only: a superseding
// write produces a new item and the stale copy expires with its segment.
type ItemHeader struct {
	Key       string
	ValueSize uint32
	Flags     uint8
}

// EncodedSize returns the full on-segment footprint of the item,
// including the header, the NUL key terminator and the value bytes.
func (h ItemHeader) EncodedSize() uint32 {
	return itemHeaderSize + uint32(len(h.Key)) + 1 + h.ValueSize
}

// encodeItem writes the item into buf, which must be at least EncodedSize
// bytes long. Returns the number of bytes written.
func encodeItem(buf []byte, hdr ItemHeader, value []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.ValueSize)
	buf[4] = uint8(len(hdr.Key))
	buf[5] = hdr.Flags
	n := itemHeaderSize
	n += copy(buf[n:], hdr.Key)
	buf[n] = 0
	n++
	n += copy(buf[n:], value)
	return n
}

// decodeItemHeader reads the fixed header and the key from b, which starts
// at the item's first byte.
func decodeItemHeader(b []byte) (ItemHeader, error) {
	if len(b) < itemHeaderSize {
		return ItemHeader{}, fmt.Errorf("segment: truncated item header: %d bytes", len(b))
	}
	hdr := ItemHeader{
		ValueSize: binary.LittleEndian.Uint32(b[0:4]),
		Flags:     b[5],
	}
	keySize := int(b[4])
	if len(b) < itemHeaderSize+keySize+1 {
		return ItemHeader{}, fmt.Errorf("segment: truncated item key: want %d bytes, have %d", keySize+1, len(b)-itemHeaderSize)
	}
	hdr.Key = string(b[itemHeaderSize : itemHeaderSize+keySize])
	return hdr, nil
}
