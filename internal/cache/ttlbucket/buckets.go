// Package ttlbucket routes writes into per-TTL segment chains and reclaims
// space proactively. Each tier has a group of 1024 buckets; a bucket owns a
// chain of segments ordered oldest to newest, and items land in the bucket
// whose TTL range contains their TTL. Reclaim is macro only: expired
// segments are swept whole, and under pressure several segments of one
// bucket are merged into a single survivor segment keyed by item frequency.
package ttlbucket

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/osedukhin/proxyd/internal/cache/index"
	"github.com/osedukhin/proxyd/internal/cache/segment"
)

// GroupSize is the number of TTL buckets per tier.
const GroupSize = 1024

const bucketsPerRange = 256

// mergeWidth caps how many chain segments one merge pass consumes.
const mergeWidth = 4

var (
	ErrTTLOutOfRange = errors.New("ttlbucket: ttl outside supported range")
	ErrOutOfSegments = errors.New("ttlbucket: no free segments after eviction")
)

// The four geometric TTL ranges: 256 buckets each, widths 8 s, 128 s,
// 2048 s and 32768 s.
var (
	rangeBase  = [4]int64{0, 2048, 34816, 559104}
	rangeWidth = [4]int64{8, 128, 2048, 32768}
)

// ttlLimit is the first TTL no bucket accepts.
const ttlLimit = 8947712

// BucketIndex maps a TTL to its bucket index, or -1 when the TTL is
// negative or beyond the last range.
func BucketIndex(ttl int64) int {
	if ttl < 0 || ttl >= ttlLimit {
		return -1
	}
	for r := 3; r >= 0; r-- {
		if ttl >= rangeBase[r] {
			return r*bucketsPerRange + int((ttl-rangeBase[r])/rangeWidth[r])
		}
	}
	return -1
}

// BucketRange returns the inclusive TTL bounds of bucket idx.
func BucketRange(idx int) (minTTL, maxTTL int64) {
	r := idx / bucketsPerRange
	minTTL = rangeBase[r] + int64(idx%bucketsPerRange)*rangeWidth[r]
	return minTTL, minTTL + rangeWidth[r] - 1
}

// Bucket holds the endpoints of one TTL bucket's segment chain.
type Bucket struct {
	Head int32
	Tail int32
}

// Group is the per-tier array of TTL buckets plus the merge cursor.
type Group struct {
	tier    uint8
	heap    *segment.Heap
	table   *index.Table
	buckets [GroupSize]Bucket
	// mergeCursor selects the next bucket to try for merge eviction.
	mergeCursor int

	log *slog.Logger
	now func() uint32
}

// NewGroup creates an empty group routing into heap and table for the
// given tier.
func NewGroup(tier uint8, heap *segment.Heap, table *index.Table, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Group{
		tier:  tier,
		heap:  heap,
		table: table,
		log:   logger.With("component", "ttlbucket", "tier", tier),
		now:   func() uint32 { return uint32(time.Now().Unix()) },
	}
	for i := range g.buckets {
		g.buckets[i] = Bucket{Head: segment.None, Tail: segment.None}
	}
	return g
}

// Bucket returns a copy of bucket idx, for inspection.
func (g *Group) Bucket(idx int) Bucket { return g.buckets[idx] }

// Write appends the item to the tail segment of the bucket owning ttl and
// records the pointer in the hash index. A full tail gets a fresh segment
// linked behind it; an exhausted free pool triggers one merge-eviction pass
// before the write is given up with ErrOutOfSegments.
func (g *Group) Write(ttl int64, hdr segment.ItemHeader, value []byte) error {
	idx := BucketIndex(ttl)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrTTLOutOfRange, ttl)
	}
	g.markExpired(idx)

	b := &g.buckets[idx]
	if b.Tail == segment.None {
		id, err := g.allocate()
		if err != nil {
			return err
		}
		b.Head, b.Tail = id, id
	}

	offset, err := g.heap.AddItem(b.Tail, hdr, value)
	if errors.Is(err, segment.ErrNotEnoughSpace) || errors.Is(err, segment.ErrSegmentDeleted) {
		// allocate may run a merge pass that rewrites this bucket's
		// endpoints, so the tail is re-read afterwards.
		id, allocErr := g.allocate()
		if allocErr != nil {
			return allocErr
		}
		if tail := b.Tail; tail != segment.None {
			if prev, ok := g.heap.Header(tail); ok && prev.Flags&segment.FlagDeleted == 0 {
				prev.Next = id
				g.heap.SetHeader(tail, prev)
			} else {
				// The old tail is gone (swept from under us); the chain
				// restarts at the fresh segment.
				b.Head = id
			}
		} else {
			b.Head = id
		}
		b.Tail = id
		offset, err = g.heap.AddItem(id, hdr, value)
	}
	if err != nil {
		return fmt.Errorf("ttlbucket: write %q: %w", hdr.Key, err)
	}

	return g.table.Insert(hdr.Key, g.tier, b.Tail, offset)
}

// allocate pops a segment, falling back to one merge pass when the pool is
// dry.
func (g *Group) allocate() (int32, error) {
	if id, ok := g.heap.Allocate(); ok {
		return id, nil
	}
	if freed := g.Merge(); freed == 0 {
		return segment.None, ErrOutOfSegments
	}
	id, ok := g.heap.Allocate()
	if !ok {
		return segment.None, ErrOutOfSegments
	}
	return id, nil
}

// markExpired walks bucket idx from its oldest segment and flags segments
// whose last use lies further back than the bucket's maximum TTL. The sweep
// itself never looks at the clock; recognising expiry is the write path's
// job.
func (g *Group) markExpired(idx int) {
	_, maxAge := BucketRange(idx)
	now := g.now()
	for id := g.buckets[idx].Head; id != segment.None; {
		hdr, ok := g.heap.Header(id)
		if !ok {
			return
		}
		if int64(now)-int64(hdr.LastUse) <= maxAge {
			// Chains are ordered oldest to newest; the rest is fresher.
			return
		}
		hdr.Flags |= segment.FlagExpired
		g.heap.SetHeader(id, hdr)
		id = hdr.Next
	}
}

// Sweep unlinks every segment flagged deleted or expired from all bucket
// chains and returns it to the free pool. Returns the number of segments
// freed.
func (g *Group) Sweep() int {
	freed := 0
	for idx := range g.buckets {
		b := &g.buckets[idx]
		prev := segment.None
		cur := b.Head
		for cur != segment.None {
			hdr, ok := g.heap.Header(cur)
			if !ok {
				break
			}
			next := hdr.Next
			if hdr.Flags&(segment.FlagDeleted|segment.FlagExpired) != 0 {
				if prev == segment.None {
					b.Head = next
				} else if prevHdr, ok := g.heap.Header(prev); ok {
					prevHdr.Next = next
					g.heap.SetHeader(prev, prevHdr)
				}
				if hdr.Flags&segment.FlagDeleted == 0 {
					g.heap.FreeSegment(cur)
					freed++
				}
			} else {
				prev = cur
			}
			cur = next
		}
		b.Tail = prev
	}
	return freed
}

// stagedItem is an item lifted out of a merge source segment.
type stagedItem struct {
	hdr     segment.ItemHeader
	value   []byte
	counter uint8
	seg     int32
	offset  uint32
}

// Merge performs one merge-eviction pass: starting at the merge cursor it
// finds a bucket with at least two chained segments, lifts the items of up
// to mergeWidth segments, frees those segments and repacks the most
// frequently used items into one fresh segment at the head of the chain.
// Hash-table entries of survivors are relocated, the rest deleted, before
// any reader can run again. Returns the net number of segments freed.
func (g *Group) Merge() int {
	for scanned := 0; scanned < GroupSize; scanned++ {
		idx := g.mergeCursor
		g.mergeCursor = (g.mergeCursor + 1) % GroupSize

		ids := g.chainPrefix(idx, mergeWidth)
		if len(ids) < 2 {
			continue
		}
		return g.mergeBucket(idx, ids)
	}
	return 0
}

// chainPrefix collects up to n leading segment ids of bucket idx.
func (g *Group) chainPrefix(idx, n int) []int32 {
	var ids []int32
	for id := g.buckets[idx].Head; id != segment.None && len(ids) < n; {
		hdr, ok := g.heap.Header(id)
		if !ok {
			break
		}
		ids = append(ids, id)
		id = hdr.Next
	}
	return ids
}

func (g *Group) mergeBucket(idx int, ids []int32) int {
	var staged []stagedItem
	for _, id := range ids {
		g.stageSegment(id, &staged)
	}

	// Hot items first; insertion order breaks ties so older survivors keep
	// their relative order in the destination.
	sort.SliceStable(staged, func(i, j int) bool {
		return staged[i].counter > staged[j].counter
	})

	// Unlink the consumed prefix and free it. The staged copies are the
	// only live bytes now; stale table pointers resolve against deleted
	// segments and miss until they are relocated or dropped below.
	b := &g.buckets[idx]
	lastHdr, _ := g.heap.Header(ids[len(ids)-1])
	b.Head = lastHdr.Next
	if b.Head == segment.None {
		b.Tail = segment.None
	}
	for _, id := range ids {
		g.heap.FreeSegment(id)
	}

	dest, ok := g.heap.Allocate()
	if !ok {
		// Cannot happen right after freeing, but never leave dangling
		// pointers behind.
		for _, it := range staged {
			g.table.Delete(it.hdr.Key, g.tier, it.seg, it.offset)
		}
		return len(ids)
	}

	destHdr, _ := g.heap.Header(dest)
	destHdr.Next = b.Head
	g.heap.SetHeader(dest, destHdr)
	b.Head = dest
	if b.Tail == segment.None {
		b.Tail = dest
	}

	kept := 0
	for _, it := range staged {
		newOffset, err := g.heap.AddItem(dest, it.hdr, it.value)
		if err != nil {
			// Destination full: everything colder than this is dropped.
			g.table.Delete(it.hdr.Key, g.tier, it.seg, it.offset)
			continue
		}
		if relErr := g.table.Relocate(it.hdr.Key, g.tier, it.seg, it.offset, dest, newOffset); relErr != nil {
			// No pointer to move (superseded entry); index the copy anew.
			g.table.Insert(it.hdr.Key, g.tier, dest, newOffset)
		}
		kept++
	}

	g.log.Debug("merged segments",
		"bucket", idx, "sources", len(ids), "staged", len(staged), "kept", kept)
	return len(ids) - 1
}

// stageSegment lifts every item of the segment into memory together with
// its current frequency counter.
func (g *Group) stageSegment(id int32, staged *[]stagedItem) {
	hdr, ok := g.heap.Header(id)
	if !ok {
		return
	}
	for offset := uint32(0); offset < hdr.FilledSize; {
		itemHdr, value, err := g.heap.ReadItem(id, offset)
		if err != nil {
			g.log.Warn("unreadable item skipped during merge", "segment", id, "offset", offset, "error", err)
			return
		}
		counter, freqErr := g.table.Frequency(itemHdr.Key, g.tier, id, offset)
		if freqErr != nil {
			counter = 0
		}
		*staged = append(*staged, stagedItem{
			hdr:     itemHdr,
			value:   value,
			counter: counter,
			seg:     id,
			offset:  offset,
		})
		offset += itemHdr.EncodedSize()
	}
}
