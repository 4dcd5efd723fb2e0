package index

import (
	"fmt"

	"vaultkeep/internal/digest"
	"vaultkeep/internal/format"
)

// fixedHeaderSize is format.HeaderSize + chunk_size(u64) + total_size(u64).
const fixedHeaderSize = format.HeaderSize + 8 + 8

// FixedWriter builds a ".fidx" body: a fixed-size-chunk index where every
// slot but the last covers exactly ChunkSize bytes. Incremental writers are
// pre-populated by cloning an existing reader's digests; slots not
// explicitly re-appended keep the cloned digest.
type FixedWriter struct {
	chunkSize int64
	totalSize int64
	slots     []digest.Digest
	written   []bool
	// prefilled marks a slot whose current content came from incremental
	// cloning and has not yet been explicitly re-appended this session;
	// such a slot may be overwritten exactly once.
	prefilled []bool
}

// NewFixedWriter starts a fresh (non-incremental) fixed index covering
// totalSize bytes in chunkSize increments. Every slot must be appended
// before Close.
func NewFixedWriter(totalSize, chunkSize int64) (*FixedWriter, error) {
	if chunkSize <= 0 || totalSize < 0 {
		return nil, fmt.Errorf("index: invalid fixed index dimensions")
	}
	n := slotCount(totalSize, chunkSize)
	return &FixedWriter{
		chunkSize: chunkSize,
		totalSize: totalSize,
		slots:     make([]digest.Digest, n),
		written:   make([]bool, n),
		prefilled: make([]bool, n),
	}, nil
}

// NewIncrementalFixedWriter starts a fixed index pre-populated from prev,
// the previous snapshot's same-named index, opened as incremental. Slots
// not re-appended retain prev's digest and are considered already
// written; prev's dimensions must match the new index's.
func NewIncrementalFixedWriter(totalSize, chunkSize int64, prev *FixedReader) (*FixedWriter, error) {
	w, err := NewFixedWriter(totalSize, chunkSize)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return w, nil
	}
	if prev.totalSize != totalSize || prev.chunkSize != chunkSize {
		return nil, fmt.Errorf("index: incremental dimensions mismatch with previous index")
	}
	for i, d := range prev.slots {
		w.slots[i] = d
		w.written[i] = true
		w.prefilled[i] = true
	}
	return w, nil
}

func slotCount(totalSize, chunkSize int64) int64 {
	if totalSize == 0 {
		return 0
	}
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	return n
}

func (w *FixedWriter) slotSize(slot int64) int64 {
	start := slot * w.chunkSize
	if start+w.chunkSize > w.totalSize {
		return w.totalSize - start
	}
	return w.chunkSize
}

// AppendChunk writes one slot, identified by its byte offset (which must be
// chunk-size aligned). A slot pre-populated by incremental cloning may be
// overwritten exactly once; re-writing a slot this session has already
// explicitly appended to is rejected.
func (w *FixedWriter) AppendChunk(offset, size int64, d digest.Digest) error {
	if offset%w.chunkSize != 0 {
		return ErrSlotMisaligned
	}
	slot := offset / w.chunkSize
	if slot < 0 || slot >= int64(len(w.slots)) {
		return fmt.Errorf("index: offset %d out of range", offset)
	}
	if w.written[slot] && !w.prefilled[slot] {
		return ErrSlotAlreadyWritten
	}
	if want := w.slotSize(slot); size != want {
		return fmt.Errorf("index: slot %d size %d, want %d", slot, size, want)
	}
	w.slots[slot] = d
	w.written[slot] = true
	w.prefilled[slot] = false
	return nil
}

// Close finalizes the index, validating that every slot was written (or
// pre-populated incrementally) and that the client-supplied checksum
// matches the recomputed one. It returns the encoded body bytes, ready to
// be framed by internal/blob and handed to the chunk store's caller (the
// snapshot layer writes the framed bytes as the archive file).
func (w *FixedWriter) Close(wantChunkCount int64, wantTotalSize int64, wantChecksum digest.Digest) ([]byte, error) {
	for i, ok := range w.written {
		if !ok {
			return nil, fmt.Errorf("%w: slot %d", ErrMissingSlots, i)
		}
	}
	if int64(len(w.slots)) != wantChunkCount {
		return nil, fmt.Errorf("index: chunk count %d, want %d", len(w.slots), wantChunkCount)
	}
	if w.totalSize != wantTotalSize {
		return nil, fmt.Errorf("index: total size %d, want %d", w.totalSize, wantTotalSize)
	}
	got := Checksum(w.slots)
	if got != wantChecksum {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, wantChecksum)
	}
	return encodeFixedBody(w.chunkSize, w.totalSize, w.slots), nil
}

func encodeFixedBody(chunkSize, totalSize int64, slots []digest.Digest) []byte {
	body := make([]byte, fixedHeaderSize+len(slots)*entrySize)
	hdr := format.Header{Kind: format.KindFixedIndex, Version: FormatVersion}
	hdr.EncodeInto(body)
	putUint64(body[format.HeaderSize:], uint64(chunkSize))
	putUint64(body[format.HeaderSize+8:], uint64(totalSize))
	off := fixedHeaderSize
	for _, d := range slots {
		copy(body[off:off+entrySize], d[:])
		off += entrySize
	}
	return body
}

// FixedReader reads a closed ".fidx" body.
type FixedReader struct {
	chunkSize int64
	totalSize int64
	slots     []digest.Digest
}

// DecodeFixedReader parses a fixed index body (already unframed by
// internal/blob).
func DecodeFixedReader(body []byte) (*FixedReader, error) {
	if len(body) < fixedHeaderSize {
		return nil, ErrBadBody
	}
	if _, err := format.DecodeAndValidate(body, format.KindFixedIndex, FormatVersion); err != nil {
		return nil, err
	}
	chunkSize := int64(getUint64(body[format.HeaderSize:]))
	totalSize := int64(getUint64(body[format.HeaderSize+8:]))

	rest := body[fixedHeaderSize:]
	if len(rest)%entrySize != 0 {
		return nil, ErrBadBody
	}
	n := len(rest) / entrySize
	slots := make([]digest.Digest, n)
	for i := range slots {
		copy(slots[i][:], rest[i*entrySize:(i+1)*entrySize])
	}
	return &FixedReader{chunkSize: chunkSize, totalSize: totalSize, slots: slots}, nil
}

func (r *FixedReader) ChunkCount() int64 { return int64(len(r.slots)) }
func (r *FixedReader) ChunkSize() int64  { return r.chunkSize }
func (r *FixedReader) TotalSize() int64  { return r.totalSize }

// ChunkInfo returns the i'th slot's digest, byte offset, and size.
func (r *FixedReader) ChunkInfo(i int64) (ChunkInfo, error) {
	if i < 0 || i >= int64(len(r.slots)) {
		return ChunkInfo{}, fmt.Errorf("index: slot %d out of range", i)
	}
	offset := i * r.chunkSize
	size := r.chunkSize
	if offset+size > r.totalSize {
		size = r.totalSize - offset
	}
	return ChunkInfo{Digest: r.slots[i], Offset: offset, Size: size}, nil
}

// ComputeChecksum recomputes Checksum over the persisted digests.
func (r *FixedReader) ComputeChecksum() digest.Digest {
	return Checksum(r.slots)
}
