package ttlbucket

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osedukhin/proxyd/internal/cache/index"
	"github.com/osedukhin/proxyd/internal/cache/segment"
)

func newTestGroup(t *testing.T, segSize, segCount uint32) (*Group, *segment.Heap, *index.Table) {
	t.Helper()
	heap, err := segment.NewHeap(segSize, segCount, "", nil, slog.Default())
	require.NoError(t, err)
	table, err := index.New(256, []*segment.Heap{heap})
	require.NoError(t, err)
	return NewGroup(0, heap, table, slog.Default()), heap, table
}

func TestBucketIndexRanges(t *testing.T) {
	tests := []struct {
		ttl  int64
		want int
	}{
		{-1, -1},
		{0, 0},
		{7, 0},
		{8, 1},
		{2047, 255},
		{2048, 256},
		{2048 + 127, 256},
		{34815, 511},
		{34816, 512},
		{559103, 767},
		{559104, 768},
		{8947711, 1023},
		{8947712, -1},
		{9000000, -1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("ttl=%d", tt.ttl), func(t *testing.T) {
			assert.Equal(t, tt.want, BucketIndex(tt.ttl))
		})
	}
}

func TestBucketRangeContainsOwnTTL(t *testing.T) {
	for _, ttl := range []int64{0, 5, 8, 2047, 2048, 40000, 600000, 8947711} {
		idx := BucketIndex(ttl)
		require.GreaterOrEqual(t, idx, 0)
		lo, hi := BucketRange(idx)
		assert.LessOrEqual(t, lo, ttl)
		assert.GreaterOrEqual(t, hi, ttl)
	}
}

func TestWriteCreatesAndChainsSegments(t *testing.T) {
	g, heap, table := newTestGroup(t, 128, 4)

	value := bytes.Repeat([]byte{'x'}, 100) // one item per 128-byte segment
	require.NoError(t, g.Write(100, segment.ItemHeader{Key: "k1"}, value))

	idx := BucketIndex(100)
	b := g.Bucket(idx)
	require.NotEqual(t, segment.None, b.Head)
	assert.Equal(t, b.Head, b.Tail)

	// Second write does not fit: a new tail is allocated and linked.
	require.NoError(t, g.Write(100, segment.ItemHeader{Key: "k2"}, value))
	b = g.Bucket(idx)
	assert.NotEqual(t, b.Head, b.Tail)

	headHdr, ok := heap.Header(b.Head)
	require.True(t, ok)
	assert.Equal(t, b.Tail, headHdr.Next, "old tail must link to the new one")

	for _, key := range []string{"k1", "k2"} {
		_, got, err := table.Get(key)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	}
}

func TestWriteTTLOutOfRange(t *testing.T) {
	g, _, _ := newTestGroup(t, 1024, 2)
	err := g.Write(9000000, segment.ItemHeader{Key: "k"}, []byte("x"))
	assert.ErrorIs(t, err, ErrTTLOutOfRange)
	err = g.Write(-5, segment.ItemHeader{Key: "k"}, []byte("x"))
	assert.ErrorIs(t, err, ErrTTLOutOfRange)
}

// No segment id may sit in the free pool and a bucket chain at once.
func TestFreePoolDisjointFromChains(t *testing.T) {
	g, heap, _ := newTestGroup(t, 128, 6)

	value := bytes.Repeat([]byte{'x'}, 100)
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Write(50, segment.ItemHeader{Key: fmt.Sprintf("k%d", i)}, value))
	}

	chained := map[int32]bool{}
	items := 0
	for idx := 0; idx < GroupSize; idx++ {
		for id := g.Bucket(idx).Head; id != segment.None; {
			assert.False(t, chained[id], "segment %d chained twice", id)
			chained[id] = true
			hdr, ok := heap.Header(id)
			require.True(t, ok)
			assert.Zero(t, hdr.Flags&segment.FlagDeleted, "chained segment %d is flagged deleted", id)
			assert.LessOrEqual(t, hdr.FilledSize, heap.SegmentSize())
			items += int(hdr.ItemCount)
			id = hdr.Next
		}
	}
	assert.Len(t, chained, 4)
	assert.Equal(t, 4, items, "live item count must equal successful writes")
	assert.Equal(t, 2, heap.FreeCount())
}

func TestWritePathMarksExpiredSegments(t *testing.T) {
	g, heap, _ := newTestGroup(t, 1024, 4)

	require.NoError(t, g.Write(10, segment.ItemHeader{Key: "old"}, []byte("v")))
	idx := BucketIndex(10)
	first := g.Bucket(idx).Head

	// Age the head far past the bucket's max TTL; the next write must flag
	// it for the sweep.
	hdr, ok := heap.Header(first)
	require.True(t, ok)
	hdr.LastUse = 1000
	heap.SetHeader(first, hdr)

	require.NoError(t, g.Write(10, segment.ItemHeader{Key: "new"}, []byte("v")))

	hdr, ok = heap.Header(first)
	require.True(t, ok)
	assert.NotZero(t, hdr.Flags&segment.FlagExpired, "write path must flag stale segments")
}

func TestSweepFreesExpiredAndPatchesChain(t *testing.T) {
	g, heap, _ := newTestGroup(t, 128, 3)

	value := bytes.Repeat([]byte{'x'}, 100)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Write(50, segment.ItemHeader{Key: fmt.Sprintf("k%d", i)}, value))
	}
	idx := BucketIndex(50)
	b := g.Bucket(idx)

	// Expire the middle segment.
	midHdr, ok := heap.Header(b.Head)
	require.True(t, ok)
	mid := midHdr.Next
	hdr, _ := heap.Header(mid)
	hdr.Flags |= segment.FlagExpired
	heap.SetHeader(mid, hdr)

	freed := g.Sweep()
	assert.Equal(t, 1, freed)

	// Chain skips the freed segment, endpoints intact.
	b = g.Bucket(idx)
	headHdr, _ := heap.Header(b.Head)
	assert.Equal(t, b.Tail, headHdr.Next)
	assert.Equal(t, 1, heap.FreeCount())

	// A full heap accepts an allocation again after the sweep.
	id, ok := heap.Allocate()
	require.True(t, ok)
	assert.Equal(t, mid, id)
}

func TestSweepFreedTailRepaired(t *testing.T) {
	g, heap, _ := newTestGroup(t, 128, 2)

	value := bytes.Repeat([]byte{'x'}, 100)
	require.NoError(t, g.Write(50, segment.ItemHeader{Key: "k1"}, value))
	require.NoError(t, g.Write(50, segment.ItemHeader{Key: "k2"}, value))

	idx := BucketIndex(50)
	tail := g.Bucket(idx).Tail
	hdr, _ := heap.Header(tail)
	hdr.Flags |= segment.FlagExpired
	heap.SetHeader(tail, hdr)

	g.Sweep()
	b := g.Bucket(idx)
	assert.NotEqual(t, tail, b.Tail, "tail must not point at a freed segment")
	assert.Equal(t, b.Head, b.Tail)

	// The next write appends cleanly to the repaired tail.
	require.NoError(t, g.Write(50, segment.ItemHeader{Key: "k3"}, []byte("y")))
}

func TestMergeEvictsAndKeepsHotItems(t *testing.T) {
	g, heap, table := newTestGroup(t, 128, 4)

	// Fill all four segments of one bucket with one item each.
	value := bytes.Repeat([]byte{'x'}, 100)
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Write(50, segment.ItemHeader{Key: fmt.Sprintf("k%d", i)}, value))
	}
	require.Equal(t, 0, heap.FreeCount())

	// Heat up k2 so the merge keeps it.
	for i := 0; i < 10; i++ {
		_, _, err := table.Get("k2")
		require.NoError(t, err)
	}

	freed := g.Merge()
	assert.Equal(t, 3, freed)

	// The survivor reads back intact; evicted keys miss cleanly.
	_, got, err := table.Get("k2")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	for _, key := range []string{"k0", "k1", "k3"} {
		_, _, err := table.Get(key)
		assert.ErrorIs(t, err, index.ErrNotFound, "evicted key %s", key)
	}
}

// Exhausting the pool mid-write triggers a merge instead of failing.
func TestWriteEvictsUnderPressure(t *testing.T) {
	g, _, table := newTestGroup(t, 128, 4)

	value := bytes.Repeat([]byte{'x'}, 100)
	for i := 0; i < 8; i++ {
		require.NoError(t, g.Write(50, segment.ItemHeader{Key: fmt.Sprintf("k%d", i)}, value))
	}

	// The newest item always survives the churn.
	_, got, err := table.Get("k7")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestWriteOutOfSegmentsWhenNothingMergeable(t *testing.T) {
	g, heap, _ := newTestGroup(t, 128, 1)

	value := bytes.Repeat([]byte{'x'}, 100)
	require.NoError(t, g.Write(50, segment.ItemHeader{Key: "k1"}, value))
	require.Equal(t, 0, heap.FreeCount())

	// A different bucket needs a segment; the only chain has a single
	// segment, so the merge pass frees nothing.
	err := g.Write(5000, segment.ItemHeader{Key: "k2"}, value)
	assert.ErrorIs(t, err, ErrOutOfSegments)
}
