// Package segment implements the per-tier segment heap: fixed-size payload
// segments handed out from a free pool, with items appended inside them.
// Memory management happens at the segment level only; items can be added
// and read but never updated or individually reclaimed.
//
// A heap backs its segments either with process memory (cacheDir == "") or
// with one file per segment under cacheDir. Segment headers live in
// append-only header areas so that extending the heap never moves an
// existing header.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// None is the sentinel segment id, the all-ones value of the 24-bit
// segment index field.
const None int32 = -1

// Segment header flags.
const (
	FlagDeleted = 0x01 // segment sits in the free pool
	FlagMerge   = 0x02 // merge candidate
	FlagExpired = 0x04 // every item's TTL has elapsed
)

var (
	ErrBadPath        = errors.New("segment: cache path is not a directory")
	ErrIO             = errors.New("segment: file tier i/o failure")
	ErrNotEnoughSpace = errors.New("segment: not enough space in segment")
	ErrSegmentDeleted = errors.New("segment: segment is deleted")
	ErrNoSuchSegment  = errors.New("segment: unknown segment id")
)

// Header is the 16-byte per-segment descriptor
// {next, last use timestamp (s), filled size, item count, flags}.
// Next threads both the tier free pool and TTL bucket chains.
type Header struct {
	Next       int32
	LastUse    uint32
	FilledSize uint32
	ItemCount  uint16
	Flags      uint8
}

// headerArea is an immutable run of segment headers covering [minID, maxID].
// Areas are only ever appended, so id lookups never race an extension.
type headerArea struct {
	minID, maxID uint32
	headers      []Header
}

// payloadArea is the in-memory tier's payload backing for [minID, maxID].
type payloadArea struct {
	minID, maxID uint32
	data         []byte
}

// Heap owns every segment of one tier. It is not safe for concurrent use;
// the cache facade serializes access.
type Heap struct {
	segmentSize uint32
	size        uint32 // total segments ever created
	nextFree    int32  // head of the free pool, None when exhausted

	headerAreas  []*headerArea
	payloadAreas []*payloadArea // in-memory tier only

	fs       afero.Fs
	cacheDir string // "" for the in-memory tier
	log      *slog.Logger
	now      func() uint32
}

// NewHeap creates a heap of bootCount segments of segmentSize payload bytes
// each. cacheDir == "" selects the in-memory tier; otherwise each segment is
// backed by <cacheDir>/<id>.cache. fs may be nil, defaulting to the OS
// filesystem.
func NewHeap(segmentSize, bootCount uint32, cacheDir string, fs afero.Fs, logger *slog.Logger) (*Heap, error) {
	if segmentSize == 0 || bootCount == 0 {
		return nil, fmt.Errorf("segment: segment size and boot count must be positive")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Heap{
		segmentSize: segmentSize,
		fs:          fs,
		cacheDir:    cacheDir,
		log:         logger.With("component", "segheap"),
		nextFree:    None,
		now:         func() uint32 { return uint32(time.Now().Unix()) },
	}

	if cacheDir != "" {
		info, err := fs.Stat(cacheDir)
		switch {
		case err == nil:
			if !info.IsDir() {
				return nil, fmt.Errorf("%w: %s", ErrBadPath, cacheDir)
			}
		case os.IsNotExist(err):
			if err := fs.MkdirAll(cacheDir, 0o755); err != nil {
				return nil, fmt.Errorf("segment: create cache dir %s: %w", cacheDir, err)
			}
		default:
			return nil, fmt.Errorf("segment: stat cache dir %s: %w", cacheDir, err)
		}
	}

	if err := h.Extend(bootCount); err != nil {
		return nil, err
	}
	return h, nil
}

// Extend appends count segment headers (and payload for the in-memory tier)
// and pushes the new segments onto the free pool.
func (h *Heap) Extend(count uint32) error {
	if count == 0 {
		return nil
	}
	minID := h.size
	maxID := h.size + count - 1

	area := &headerArea{minID: minID, maxID: maxID, headers: make([]Header, count)}
	// Chain the fresh segments together, the last one linking to the
	// current pool head.
	for i := range area.headers {
		next := None
		if uint32(i) < count-1 {
			next = int32(minID + uint32(i) + 1)
		}
		area.headers[i] = Header{Next: next, Flags: FlagDeleted}
	}
	area.headers[count-1].Next = h.nextFree

	if h.cacheDir == "" {
		h.payloadAreas = append(h.payloadAreas, &payloadArea{
			minID: minID,
			maxID: maxID,
			data:  make([]byte, uint64(h.segmentSize)*uint64(count)),
		})
	}

	h.headerAreas = append(h.headerAreas, area)
	h.nextFree = int32(minID)
	h.size += count
	return nil
}

// Free tears the heap down. The file tier's cache files are deleted.
func (h *Heap) Free() error {
	var firstErr error
	if h.cacheDir != "" {
		for id := int32(0); id < int32(h.size); id++ {
			path := h.segmentPath(id)
			if err := h.fs.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("segment: remove %s: %w", path, err)
			}
		}
	}
	h.headerAreas = nil
	h.payloadAreas = nil
	h.nextFree = None
	h.size = 0
	return firstErr
}

// SegmentSize returns the payload capacity of every segment in this heap.
func (h *Heap) SegmentSize() uint32 { return h.segmentSize }

// Size returns the total number of segments the heap manages.
func (h *Heap) Size() uint32 { return h.size }

// FreeCount walks the free pool and returns its length.
func (h *Heap) FreeCount() int {
	n := 0
	for id := h.nextFree; id != None; {
		hdr := h.header(id)
		if hdr == nil {
			break
		}
		n++
		id = hdr.Next
	}
	return n
}

// Allocate pops a segment from the free pool and resets it for use.
// Returns (None, false) when the pool is empty.
func (h *Heap) Allocate() (int32, bool) {
	id := h.nextFree
	if id == None {
		return None, false
	}
	hdr := h.header(id)
	if hdr == nil {
		return None, false
	}
	h.nextFree = hdr.Next
	*hdr = Header{Next: None, LastUse: h.now()}

	if h.cacheDir != "" {
		f, err := h.fs.Create(h.segmentPath(id))
		if err != nil {
			// Give the id back rather than leaking it.
			hdr.Flags = FlagDeleted
			hdr.Next = h.nextFree
			h.nextFree = id
			h.log.Warn("segment file create failed", "segment", id, "error", err)
			return None, false
		}
		f.Close()
	}
	return id, true
}

// FreeSegment pushes the segment back onto the free pool and, on the file
// tier, deletes its backing file. Unknown ids are ignored.
func (h *Heap) FreeSegment(id int32) bool {
	hdr := h.header(id)
	if hdr == nil {
		return false
	}
	hdr.Flags |= FlagDeleted
	hdr.Next = h.nextFree
	h.nextFree = id

	if h.cacheDir != "" {
		if err := h.fs.Remove(h.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			h.log.Warn("segment file remove failed", "segment", id, "error", err)
		}
	}
	return true
}

// Header returns a copy of the segment's header.
func (h *Heap) Header(id int32) (Header, bool) {
	hdr := h.header(id)
	if hdr == nil {
		return Header{}, false
	}
	return *hdr, true
}

// SetHeader overwrites the segment's header.
func (h *Heap) SetHeader(id int32, hdr Header) bool {
	p := h.header(id)
	if p == nil {
		return false
	}
	*p = hdr
	return true
}

// AddItem appends the item at the segment's current fill point and returns
// the pre-append offset. Fails with ErrNotEnoughSpace when the item does not
// fit, leaving the segment untouched.
func (h *Heap) AddItem(id int32, hdr ItemHeader, value []byte) (uint32, error) {
	if len(hdr.Key) > MaxKeySize {
		return 0, ErrKeyTooLong
	}
	seg := h.header(id)
	if seg == nil {
		return 0, ErrNoSuchSegment
	}
	if seg.Flags&FlagDeleted != 0 {
		return 0, ErrSegmentDeleted
	}
	hdr.ValueSize = uint32(len(value))
	itemSize := hdr.EncodedSize()
	if h.segmentSize-seg.FilledSize < itemSize {
		return 0, ErrNotEnoughSpace
	}
	offset := seg.FilledSize

	if h.cacheDir == "" {
		buf := h.payload(id)
		encodeItem(buf[offset:], hdr, value)
	} else {
		if err := h.writeFileItem(id, offset, hdr, value); err != nil {
			return 0, err
		}
	}

	seg.FilledSize += itemSize
	seg.ItemCount++
	return offset, nil
}

// ReadItem reads the item at offset, bounds-checked against the segment's
// filled size. The returned value is a private copy.
func (h *Heap) ReadItem(id int32, offset uint32) (ItemHeader, []byte, error) {
	hdr, seg, err := h.itemAt(id, offset)
	if err != nil {
		return ItemHeader{}, nil, err
	}
	end := offset + hdr.EncodedSize()
	if end > seg.FilledSize {
		return ItemHeader{}, nil, fmt.Errorf("segment: item at %d overruns filled size %d", offset, seg.FilledSize)
	}

	if h.cacheDir == "" {
		buf := h.payload(id)
		start := offset + itemHeaderSize + uint32(len(hdr.Key)) + 1
		value := make([]byte, hdr.ValueSize)
		copy(value, buf[start:end])
		return hdr, value, nil
	}
	value, err := h.readFileValue(id, offset, hdr)
	if err != nil {
		return ItemHeader{}, nil, err
	}
	return hdr, value, nil
}

// ReadItemHeader reads only the item header and key, used by the hash index
// to verify a candidate without copying the value.
func (h *Heap) ReadItemHeader(id int32, offset uint32) (ItemHeader, error) {
	hdr, _, err := h.itemAt(id, offset)
	return hdr, err
}

// itemAt validates the segment and decodes the header at offset.
func (h *Heap) itemAt(id int32, offset uint32) (ItemHeader, *Header, error) {
	seg := h.header(id)
	if seg == nil {
		return ItemHeader{}, nil, ErrNoSuchSegment
	}
	if seg.Flags&FlagDeleted != 0 {
		return ItemHeader{}, nil, ErrSegmentDeleted
	}
	if offset+itemHeaderSize > seg.FilledSize {
		return ItemHeader{}, nil, fmt.Errorf("segment: offset %d beyond filled size %d", offset, seg.FilledSize)
	}

	if h.cacheDir == "" {
		buf := h.payload(id)
		hdr, err := decodeItemHeader(buf[offset:seg.FilledSize])
		if err != nil {
			return ItemHeader{}, nil, err
		}
		return hdr, seg, nil
	}

	hdr, err := h.readFileHeader(id, offset)
	if err != nil {
		return ItemHeader{}, nil, err
	}
	return hdr, seg, nil
}

// header resolves a segment id to its live header, walking the header areas.
func (h *Heap) header(id int32) *Header {
	if id == None || id < 0 || uint32(id) >= h.size {
		return nil
	}
	for _, area := range h.headerAreas {
		if uint32(id) >= area.minID && uint32(id) <= area.maxID {
			return &area.headers[uint32(id)-area.minID]
		}
	}
	return nil
}

// payload returns the in-memory segment's payload slice.
func (h *Heap) payload(id int32) []byte {
	for _, area := range h.payloadAreas {
		if uint32(id) >= area.minID && uint32(id) <= area.maxID {
			start := uint64(uint32(id)-area.minID) * uint64(h.segmentSize)
			return area.data[start : start+uint64(h.segmentSize)]
		}
	}
	return nil
}

func (h *Heap) segmentPath(id int32) string {
	return filepath.Join(h.cacheDir, strconv.FormatInt(int64(id), 10)+".cache")
}

// writeFileItem appends header, key and value with three sequential writes,
// mirroring the file layout byte for byte.
func (h *Heap) writeFileItem(id int32, offset uint32, hdr ItemHeader, value []byte) error {
	path := h.segmentPath(id)
	f, err := h.fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek %s: %v", ErrIO, path, err)
	}
	head := make([]byte, itemHeaderSize)
	binary.LittleEndian.PutUint32(head[0:4], uint32(len(value)))
	head[4] = uint8(len(hdr.Key))
	head[5] = hdr.Flags
	if _, err := f.Write(head); err != nil {
		return fmt.Errorf("%w: write header %s: %v", ErrIO, path, err)
	}
	if _, err := f.Write(append([]byte(hdr.Key), 0)); err != nil {
		return fmt.Errorf("%w: write key %s: %v", ErrIO, path, err)
	}
	if _, err := f.Write(value); err != nil {
		return fmt.Errorf("%w: write value %s: %v", ErrIO, path, err)
	}
	return nil
}

func (h *Heap) readFileHeader(id int32, offset uint32) (ItemHeader, error) {
	path := h.segmentPath(id)
	f, err := h.fs.Open(path)
	if err != nil {
		return ItemHeader{}, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	fixed := make([]byte, itemHeaderSize)
	if _, err := f.ReadAt(fixed, int64(offset)); err != nil {
		return ItemHeader{}, fmt.Errorf("%w: read header %s: %v", ErrIO, path, err)
	}
	// The key length is only known after the fixed header is in; fetch the
	// key with a second read.
	keySize := int(fixed[4])
	full := make([]byte, itemHeaderSize+keySize+1)
	if _, err := f.ReadAt(full, int64(offset)); err != nil {
		return ItemHeader{}, fmt.Errorf("%w: read key %s: %v", ErrIO, path, err)
	}
	return decodeItemHeader(full)
}

func (h *Heap) readFileValue(id int32, offset uint32, hdr ItemHeader) ([]byte, error) {
	path := h.segmentPath(id)
	f, err := h.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	start := int64(offset) + itemHeaderSize + int64(len(hdr.Key)) + 1
	value := make([]byte, hdr.ValueSize)
	if _, err := f.ReadAt(value, start); err != nil {
		return nil, fmt.Errorf("%w: read value %s: %v", ErrIO, path, err)
	}
	return value, nil
}
