// Package index maps item keys to packed 64-bit pointers into the segment
// heaps. Buckets are chains of 8-slot blocks: slot 0 of the first block is
// the bucket metadata word, every other slot holds one packed pointer.
// Inserts append, so a key written twice has two pointers; lookups resolve
// to the most recently written copy.
package index

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/osedukhin/proxyd/internal/cache/segment"
)

var ErrNotFound = errors.New("index: key not found")

const blockSlots = 8

// block is one bulk unit of a bucket chain.
type block struct {
	slots [blockSlots]uint64
	next  *block
}

// Table is the open-addressed, bulk-chained hash index. It is not safe for
// concurrent use; the cache facade serializes access.
type Table struct {
	size    uint32
	mask    uint32
	buckets []block
	heaps   []*segment.Heap
	rng     *rand.Rand
}

// New creates a table of size buckets (must be a power of two) reading item
// bytes through the given per-tier heaps.
func New(size int, heaps []*segment.Heap) (*Table, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("index: table size %d is not a power of two", size)
	}
	t := &Table{
		size:    uint32(size),
		mask:    uint32(size - 1),
		buckets: make([]block, size),
		heaps:   heaps,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range t.buckets {
		t.buckets[i].slots[0] = uint64(newBucketHead(1, 0))
	}
	return t, nil
}

// Insert appends a packed pointer for the key. Duplicate detection is
// deliberately skipped: a repeated key gets a second pointer and lookups
// pick the newer one.
func (t *Table) Insert(key string, tier uint8, seg int32, offset uint32) error {
	return t.insert(key, tier, seg, offset, 0)
}

func (t *Table) insert(key string, tier uint8, seg int32, offset uint32, counter uint8) error {
	if seg < 0 || seg > MaxSegmentIndex {
		return fmt.Errorf("index: segment id %d out of pointer range", seg)
	}
	if offset > MaxSegmentOffset {
		return fmt.Errorf("index: offset %d out of pointer range", offset)
	}
	hash := hashKey(key)
	first := &t.buckets[hash&t.mask]
	ptr := uint64(NewPointer(tier, seg, offset, counter, tagOf(hash)))

	blk, start := first, 1
	for {
		for i := start; i < blockSlots; i++ {
			if blk.slots[i] == 0 {
				blk.slots[i] = ptr
				return nil
			}
		}
		if blk.next == nil {
			break
		}
		blk, start = blk.next, 0
	}

	nb := &block{}
	nb.slots[0] = ptr
	blk.next = nb
	head := bucketHead(first.slots[0])
	first.slots[0] = uint64(head.withChainLen(head.chainLen() + 1))
	return nil
}

// Get returns the item stored under key, bumping its frequency counter and
// the bucket's last-use stamp. A pointer into a freed segment is skipped,
// so a lookup racing a segment free degrades to a miss.
func (t *Table) Get(key string) (segment.ItemHeader, []byte, error) {
	hash := hashKey(key)
	tag := tagOf(hash)
	first := &t.buckets[hash&t.mask]

	var matchSlot *uint64
	var matchPtr Pointer

	blk, i := first, 1
scan:
	for blk != nil {
		for ; i < blockSlots; i++ {
			raw := blk.slots[i]
			if raw == 0 {
				break scan
			}
			p := Pointer(raw)
			if p.Tag() != tag {
				continue
			}
			heap := t.heapFor(p.Tier())
			if heap == nil {
				continue
			}
			hdr, err := heap.ReadItemHeader(p.Segment(), p.Offset())
			if err != nil {
				continue
			}
			if hdr.Key == key {
				// Keep scanning: a later pointer for the same key is the
				// newer write.
				matchSlot = &blk.slots[i]
				matchPtr = p
			}
		}
		blk, i = blk.next, 0
	}

	if matchSlot == nil {
		return segment.ItemHeader{}, nil, ErrNotFound
	}

	heap := t.heapFor(matchPtr.Tier())
	hdr, value, err := heap.ReadItem(matchPtr.Segment(), matchPtr.Offset())
	if err != nil {
		if errors.Is(err, segment.ErrSegmentDeleted) || errors.Is(err, segment.ErrNoSuchSegment) {
			return segment.ItemHeader{}, nil, ErrNotFound
		}
		return segment.ItemHeader{}, nil, err
	}

	t.bumpCounter(matchSlot)
	head := bucketHead(first.slots[0])
	first.slots[0] = uint64(head.withLastUse(uint16(time.Now().Unix())))
	return hdr, value, nil
}

// Delete removes the pointer matching (tier, seg, offset), keeping slots
// contiguous by swapping the last pointer into the hole. Deleting a pointer
// that is already gone is a no-op, so the operation is idempotent.
func (t *Table) Delete(key string, tier uint8, seg int32, offset uint32) {
	hash := hashKey(key)
	first := &t.buckets[hash&t.mask]

	target := findSlot(first, tier, seg, offset)
	if target == nil {
		return
	}
	last, lastBlk, lastIdx := lastOccupied(first)
	if last == target {
		*target = 0
	} else {
		*target = *last
		*last = 0
	}

	if lastIdx == 0 && lastBlk != first {
		// The tail block emptied out; unlink it and shrink the chain.
		prev := first
		for prev.next != nil && prev.next != lastBlk {
			prev = prev.next
		}
		prev.next = nil
		head := bucketHead(first.slots[0])
		first.slots[0] = uint64(head.withChainLen(head.chainLen() - 1))
	}
}

// Frequency returns the ASFC counter of the pointer matching the exact
// location, or ErrNotFound.
func (t *Table) Frequency(key string, tier uint8, seg int32, offset uint32) (uint8, error) {
	hash := hashKey(key)
	first := &t.buckets[hash&t.mask]
	slot := findSlot(first, tier, seg, offset)
	if slot == nil {
		return 0, ErrNotFound
	}
	return Pointer(*slot).Counter(), nil
}

// Relocate repoints the entry at (tier, oldSeg, oldOffset) to a new segment
// location, preserving its frequency counter. Merge eviction moves items
// this way so that the table never holds a pointer to moved-away bytes.
func (t *Table) Relocate(key string, tier uint8, oldSeg int32, oldOffset uint32, newSeg int32, newOffset uint32) error {
	if newSeg < 0 || newSeg > MaxSegmentIndex || newOffset > MaxSegmentOffset {
		return fmt.Errorf("index: relocation target out of pointer range")
	}
	hash := hashKey(key)
	first := &t.buckets[hash&t.mask]
	slot := findSlot(first, tier, oldSeg, oldOffset)
	if slot == nil {
		return ErrNotFound
	}
	*slot = uint64(Pointer(*slot).WithLocation(newSeg, newOffset))
	return nil
}

// ChainLen returns the block count recorded in the bucket head for key's
// bucket.
func (t *Table) ChainLen(key string) uint8 {
	first := &t.buckets[hashKey(key)&t.mask]
	return bucketHead(first.slots[0]).chainLen()
}

// bumpCounter applies the approximate smoothed frequency counter policy:
// deterministic increments up to 16, probabilistic (1/counter) up to 127,
// saturation at 128.
func (t *Table) bumpCounter(slot *uint64) {
	p := Pointer(*slot)
	counter := p.Counter()
	switch {
	case counter < 16:
		counter++
	case counter < 128:
		if t.rng.Float64() < 1.0/float64(counter) {
			counter++
		}
	}
	*slot = uint64(p.WithCounter(counter))
}

func (t *Table) heapFor(tier uint8) *segment.Heap {
	if int(tier) >= len(t.heaps) {
		return nil
	}
	return t.heaps[tier]
}

// findSlot scans the bucket chain for the pointer at the exact location.
func findSlot(first *block, tier uint8, seg int32, offset uint32) *uint64 {
	blk, i := first, 1
	for blk != nil {
		for ; i < blockSlots; i++ {
			raw := blk.slots[i]
			if raw == 0 {
				return nil
			}
			p := Pointer(raw)
			if p.Tier() == tier && p.Segment() == seg && p.Offset() == offset {
				return &blk.slots[i]
			}
		}
		blk, i = blk.next, 0
	}
	return nil
}

// lastOccupied returns the last non-empty pointer slot of the chain.
func lastOccupied(first *block) (slot *uint64, in *block, idx int) {
	blk, i := first, 1
	for blk != nil {
		for ; i < blockSlots; i++ {
			if blk.slots[i] == 0 {
				return slot, in, idx
			}
			slot, in, idx = &blk.slots[i], blk, i
		}
		blk, i = blk.next, 0
	}
	return slot, in, idx
}
