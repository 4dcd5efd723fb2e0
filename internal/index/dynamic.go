package index

import (
	"fmt"

	"vaultkeep/internal/digest"
	"vaultkeep/internal/format"
)

const dynamicHeaderSize = format.HeaderSize

// dynamic entry: end_offset (u64) + digest.
const dynamicEntrySize = 8 + digest.Size

// DynamicWriter builds a ".didx" body: a variable-size-chunk index where
// each entry records the cumulative end offset of its chunk. Offsets must
// strictly increase (§4.3); there is no pre-declared chunk count or total
// size, both are derived from the appended entries.
type DynamicWriter struct {
	entries []dynamicEntry
}

type dynamicEntry struct {
	endOffset int64
	digest    digest.Digest
}

// NewDynamicWriter starts an empty dynamic index.
func NewDynamicWriter() *DynamicWriter {
	return &DynamicWriter{}
}

// AppendChunk appends one chunk ending at endOffset. endOffset must be
// strictly greater than the previous entry's end offset.
func (w *DynamicWriter) AppendChunk(endOffset int64, d digest.Digest) error {
	if len(w.entries) > 0 && endOffset <= w.entries[len(w.entries)-1].endOffset {
		return ErrOffsetNotIncreasing
	}
	w.entries = append(w.entries, dynamicEntry{endOffset: endOffset, digest: d})
	return nil
}

// Close finalizes the index, validating the client-supplied chunk count,
// total size, and checksum against what was actually appended.
func (w *DynamicWriter) Close(wantChunkCount int64, wantTotalSize int64, wantChecksum digest.Digest) ([]byte, error) {
	if int64(len(w.entries)) != wantChunkCount {
		return nil, fmt.Errorf("index: chunk count %d, want %d", len(w.entries), wantChunkCount)
	}
	total := int64(0)
	if len(w.entries) > 0 {
		total = w.entries[len(w.entries)-1].endOffset
	}
	if total != wantTotalSize {
		return nil, fmt.Errorf("index: total size %d, want %d", total, wantTotalSize)
	}
	digests := make([]digest.Digest, len(w.entries))
	for i, e := range w.entries {
		digests[i] = e.digest
	}
	got := Checksum(digests)
	if got != wantChecksum {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, wantChecksum)
	}
	return encodeDynamicBody(w.entries), nil
}

func encodeDynamicBody(entries []dynamicEntry) []byte {
	body := make([]byte, dynamicHeaderSize+len(entries)*dynamicEntrySize)
	hdr := format.Header{Kind: format.KindDynamicIndex, Version: FormatVersion}
	hdr.EncodeInto(body)
	off := dynamicHeaderSize
	for _, e := range entries {
		putUint64(body[off:], uint64(e.endOffset))
		copy(body[off+8:off+dynamicEntrySize], e.digest[:])
		off += dynamicEntrySize
	}
	return body
}

// DynamicReader reads a closed ".didx" body.
type DynamicReader struct {
	entries []dynamicEntry
}

// DecodeDynamicReader parses a dynamic index body (already unframed by
// internal/blob).
func DecodeDynamicReader(body []byte) (*DynamicReader, error) {
	if len(body) < dynamicHeaderSize {
		return nil, ErrBadBody
	}
	if _, err := format.DecodeAndValidate(body, format.KindDynamicIndex, FormatVersion); err != nil {
		return nil, err
	}
	rest := body[dynamicHeaderSize:]
	if len(rest)%dynamicEntrySize != 0 {
		return nil, ErrBadBody
	}
	n := len(rest) / dynamicEntrySize
	entries := make([]dynamicEntry, n)
	prevOffset := int64(-1)
	for i := range entries {
		off := i * dynamicEntrySize
		end := int64(getUint64(rest[off:]))
		if end <= prevOffset {
			return nil, ErrOffsetNotIncreasing
		}
		prevOffset = end
		var d digest.Digest
		copy(d[:], rest[off+8:off+dynamicEntrySize])
		entries[i] = dynamicEntry{endOffset: end, digest: d}
	}
	return &DynamicReader{entries: entries}, nil
}

func (r *DynamicReader) ChunkCount() int64 { return int64(len(r.entries)) }

// TotalSize is the end offset of the last chunk, or 0 if empty.
func (r *DynamicReader) TotalSize() int64 {
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].endOffset
}

// ChunkInfo returns the i'th entry's digest, start offset, and size.
func (r *DynamicReader) ChunkInfo(i int64) (ChunkInfo, error) {
	if i < 0 || i >= int64(len(r.entries)) {
		return ChunkInfo{}, fmt.Errorf("index: entry %d out of range", i)
	}
	start := int64(0)
	if i > 0 {
		start = r.entries[i-1].endOffset
	}
	e := r.entries[i]
	return ChunkInfo{Digest: e.digest, Offset: start, Size: e.endOffset - start}, nil
}

// ComputeChecksum recomputes Checksum over the persisted digests.
func (r *DynamicReader) ComputeChecksum() digest.Digest {
	digests := make([]digest.Digest, len(r.entries))
	for i, e := range r.entries {
		digests[i] = e.digest
	}
	return Checksum(digests)
}
