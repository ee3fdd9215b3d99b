package segment_test

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osedukhin/proxyd/internal/cache/segment"
)

func newRAMHeap(t *testing.T, segSize, count uint32) *segment.Heap {
	t.Helper()
	h, err := segment.NewHeap(segSize, count, "", nil, slog.Default())
	require.NoError(t, err)
	return h
}

func newFileHeap(t *testing.T, segSize, count uint32) (*segment.Heap, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	h, err := segment.NewHeap(segSize, count, "cache", fs, slog.Default())
	require.NoError(t, err)
	return h, fs
}

func TestHeapInitBadPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cache", []byte("not a dir"), 0o644))

	_, err := segment.NewHeap(1024, 4, "cache", fs, slog.Default())
	assert.ErrorIs(t, err, segment.ErrBadPath)
}

func TestHeapAllocateExhaustsPool(t *testing.T) {
	h := newRAMHeap(t, 1024, 3)
	assert.Equal(t, 3, h.FreeCount())

	seen := map[int32]bool{}
	for i := 0; i < 3; i++ {
		id, ok := h.Allocate()
		require.True(t, ok)
		assert.False(t, seen[id], "segment %d handed out twice", id)
		seen[id] = true
	}

	_, ok := h.Allocate()
	assert.False(t, ok, "pool should be empty")
	assert.Equal(t, 0, h.FreeCount())
}

func TestHeapFreeSegmentReturnsToPool(t *testing.T) {
	h := newRAMHeap(t, 1024, 1)
	id, ok := h.Allocate()
	require.True(t, ok)

	hdr, ok := h.Header(id)
	require.True(t, ok)
	assert.Zero(t, hdr.Flags&segment.FlagDeleted)

	require.True(t, h.FreeSegment(id))
	hdr, _ = h.Header(id)
	assert.NotZero(t, hdr.Flags&segment.FlagDeleted)
	assert.Equal(t, 1, h.FreeCount())

	// The same descriptor comes back alive.
	id2, ok := h.Allocate()
	require.True(t, ok)
	assert.Equal(t, id, id2)
}

func TestHeapItemRoundTripRAM(t *testing.T) {
	h := newRAMHeap(t, 1024, 2)
	id, ok := h.Allocate()
	require.True(t, ok)

	value := []byte("hello world from cache")
	offset, err := h.AddItem(id, segment.ItemHeader{Key: "greeting"}, value)
	require.NoError(t, err)
	assert.Zero(t, offset)

	hdr, got, err := h.ReadItem(id, offset)
	require.NoError(t, err)
	assert.Equal(t, "greeting", hdr.Key)
	assert.Equal(t, value, got)

	segHdr, _ := h.Header(id)
	assert.EqualValues(t, 1, segHdr.ItemCount)
	assert.EqualValues(t, 6+len("greeting")+1+len(value), segHdr.FilledSize)
}

func TestHeapItemRoundTripFile(t *testing.T) {
	h, _ := newFileHeap(t, 4096, 2)
	id, ok := h.Allocate()
	require.True(t, ok)

	first := []byte("first value")
	second := bytes.Repeat([]byte{0xAB}, 300)

	off1, err := h.AddItem(id, segment.ItemHeader{Key: "k1"}, first)
	require.NoError(t, err)
	off2, err := h.AddItem(id, segment.ItemHeader{Key: "k2"}, second)
	require.NoError(t, err)
	assert.Greater(t, off2, off1)

	hdr, got, err := h.ReadItem(id, off2)
	require.NoError(t, err)
	assert.Equal(t, "k2", hdr.Key)
	assert.Equal(t, second, got)

	hdr, got, err = h.ReadItem(id, off1)
	require.NoError(t, err)
	assert.Equal(t, "k1", hdr.Key)
	assert.Equal(t, first, got)
}

// The file tier's byte layout is part of the external interface:
// value size u32 LE, key size u8, flags u8, NUL-terminated key, value.
func TestHeapFileLayout(t *testing.T) {
	h, fs := newFileHeap(t, 4096, 1)
	id, ok := h.Allocate()
	require.True(t, ok)

	value := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	_, err := h.AddItem(id, segment.ItemHeader{Key: "ab", Flags: 0x02}, value)
	require.NoError(t, err)

	raw, err := afero.ReadFile(fs, "cache/0.cache")
	require.NoError(t, err)
	require.Len(t, raw, 6+2+1+4)

	assert.EqualValues(t, 4, binary.LittleEndian.Uint32(raw[0:4]))
	assert.EqualValues(t, 2, raw[4])
	assert.EqualValues(t, 0x02, raw[5])
	assert.Equal(t, []byte{'a', 'b', 0}, raw[6:9])
	assert.Equal(t, value, raw[9:])
}

func TestHeapAddItemNotEnoughSpace(t *testing.T) {
	h := newRAMHeap(t, 64, 1)
	id, ok := h.Allocate()
	require.True(t, ok)

	_, err := h.AddItem(id, segment.ItemHeader{Key: "k"}, make([]byte, 64))
	assert.ErrorIs(t, err, segment.ErrNotEnoughSpace)

	// A fitting item still goes in afterwards.
	_, err = h.AddItem(id, segment.ItemHeader{Key: "k"}, make([]byte, 32))
	assert.NoError(t, err)
}

func TestHeapReadDeletedSegmentFails(t *testing.T) {
	h := newRAMHeap(t, 1024, 1)
	id, _ := h.Allocate()
	offset, err := h.AddItem(id, segment.ItemHeader{Key: "k"}, []byte("v"))
	require.NoError(t, err)

	h.FreeSegment(id)
	_, _, err = h.ReadItem(id, offset)
	assert.ErrorIs(t, err, segment.ErrSegmentDeleted)
}

func TestHeapExtendGrowsPool(t *testing.T) {
	h := newRAMHeap(t, 1024, 2)
	for i := 0; i < 2; i++ {
		_, ok := h.Allocate()
		require.True(t, ok)
	}

	require.NoError(t, h.Extend(3))
	assert.EqualValues(t, 5, h.Size())
	assert.Equal(t, 3, h.FreeCount())

	id, ok := h.Allocate()
	require.True(t, ok)
	// New ids continue after the boot segments.
	assert.GreaterOrEqual(t, id, int32(2))

	// Headers of the first area stay addressable after the extension.
	_, ok = h.Header(0)
	assert.True(t, ok)
}

func TestHeapFreeRemovesCacheFiles(t *testing.T) {
	h, fs := newFileHeap(t, 1024, 2)
	id, _ := h.Allocate()
	_, err := h.AddItem(id, segment.ItemHeader{Key: "k"}, []byte("v"))
	require.NoError(t, err)

	exists, _ := afero.Exists(fs, "cache/0.cache")
	require.True(t, exists)

	require.NoError(t, h.Free())
	exists, _ = afero.Exists(fs, "cache/0.cache")
	assert.False(t, exists)
}

func TestHeapUnknownSegment(t *testing.T) {
	h := newRAMHeap(t, 1024, 1)

	_, ok := h.Header(42)
	assert.False(t, ok)
	_, err := h.AddItem(42, segment.ItemHeader{Key: "k"}, []byte("v"))
	assert.ErrorIs(t, err, segment.ErrNoSuchSegment)
	_, _, err = h.ReadItem(segment.None, 0)
	assert.ErrorIs(t, err, segment.ErrNoSuchSegment)
}
