package index

import (
	"errors"
	"testing"

	"vaultkeep/internal/digest"
)

func dg(s string) digest.Digest {
	return digest.Of([]byte(s))
}

func TestFixedWriterRoundTrip(t *testing.T) {
	const chunkSize = 2 << 20
	w, err := NewFixedWriter(8<<20, chunkSize)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	d1, d2, d3, d4 := dg("d1"), dg("d2"), dg("d3"), dg("d4")
	if err := w.AppendChunk(0, chunkSize, d1); err != nil {
		t.Fatalf("append 0: %v", err)
	}
	if err := w.AppendChunk(chunkSize, chunkSize, d2); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := w.AppendChunk(2*chunkSize, chunkSize, d3); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := w.AppendChunk(3*chunkSize, chunkSize, d4); err != nil {
		t.Fatalf("append 3: %v", err)
	}

	want := Checksum([]digest.Digest{d1, d2, d3, d4})
	body, err := w.Close(4, 8<<20, want)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := DecodeFixedReader(body)
	if err != nil {
		t.Fatalf("DecodeFixedReader: %v", err)
	}
	if r.ChunkCount() != 4 {
		t.Errorf("got chunk count %d, want 4", r.ChunkCount())
	}
	if r.ComputeChecksum() != want {
		t.Errorf("checksum mismatch after round trip")
	}
	info, err := r.ChunkInfo(1)
	if err != nil {
		t.Fatalf("ChunkInfo: %v", err)
	}
	if info.Digest != d2 || info.Offset != chunkSize || info.Size != chunkSize {
		t.Errorf("got %+v", info)
	}
}

func TestFixedWriterMissingSlotFails(t *testing.T) {
	w, err := NewFixedWriter(4<<20, 2<<20)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	if err := w.AppendChunk(0, 2<<20, dg("only slot 0")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Close(2, 4<<20, digest.Zero); !errors.Is(err, ErrMissingSlots) {
		t.Errorf("expected ErrMissingSlots, got %v", err)
	}
}

func TestFixedWriterMisalignedOffset(t *testing.T) {
	w, err := NewFixedWriter(4<<20, 2<<20)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	if err := w.AppendChunk(1, 2<<20, dg("x")); !errors.Is(err, ErrSlotMisaligned) {
		t.Errorf("expected ErrSlotMisaligned, got %v", err)
	}
}

func TestFixedWriterChecksumMismatchAborts(t *testing.T) {
	w, err := NewFixedWriter(2<<20, 2<<20)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	if err := w.AppendChunk(0, 2<<20, dg("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Close(1, 2<<20, digest.Zero); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

// TestFixedIncrementalReuse covers a common incremental backup scenario: a
// previous snapshot's 4-slot index is cloned, only slot 2 (1-indexed:
// offset chunkSize) gets a new digest, and Close succeeds with a
// recomputed checksum over the mixed old/new digests.
func TestFixedIncrementalReuse(t *testing.T) {
	const chunkSize = 2 << 20
	prevW, err := NewFixedWriter(8<<20, chunkSize)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	d1, d2, d3, d4 := dg("d1"), dg("d2"), dg("d3"), dg("d4")
	for i, d := range []digest.Digest{d1, d2, d3, d4} {
		if err := prevW.AppendChunk(int64(i)*chunkSize, chunkSize, d); err != nil {
			t.Fatalf("prev append %d: %v", i, err)
		}
	}
	prevBody, err := prevW.Close(4, 8<<20, Checksum([]digest.Digest{d1, d2, d3, d4}))
	if err != nil {
		t.Fatalf("prev close: %v", err)
	}
	prevReader, err := DecodeFixedReader(prevBody)
	if err != nil {
		t.Fatalf("decode prev: %v", err)
	}

	w, err := NewIncrementalFixedWriter(8<<20, chunkSize, prevReader)
	if err != nil {
		t.Fatalf("NewIncrementalFixedWriter: %v", err)
	}
	d2New := dg("d2-new")
	if err := w.AppendChunk(chunkSize, chunkSize, d2New); err != nil {
		t.Fatalf("append replacement: %v", err)
	}

	want := Checksum([]digest.Digest{d1, d2New, d3, d4})
	body, err := w.Close(4, 8<<20, want)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	r, err := DecodeFixedReader(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	info0, _ := r.ChunkInfo(0)
	info1, _ := r.ChunkInfo(1)
	if info0.Digest != d1 {
		t.Errorf("slot 0 should keep cloned digest")
	}
	if info1.Digest != d2New {
		t.Errorf("slot 1 should have new digest")
	}
}

func TestFixedWriterRejectsDoubleExplicitWrite(t *testing.T) {
	w, err := NewFixedWriter(2<<20, 2<<20)
	if err != nil {
		t.Fatalf("NewFixedWriter: %v", err)
	}
	if err := w.AppendChunk(0, 2<<20, dg("first")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := w.AppendChunk(0, 2<<20, dg("second")); !errors.Is(err, ErrSlotAlreadyWritten) {
		t.Errorf("expected ErrSlotAlreadyWritten, got %v", err)
	}
}

func TestDynamicWriterRoundTrip(t *testing.T) {
	w := NewDynamicWriter()
	d1, d2 := dg("a"), dg("b")
	if err := w.AppendChunk(100, d1); err != nil {
		t.Fatalf("append 0: %v", err)
	}
	if err := w.AppendChunk(250, d2); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	want := Checksum([]digest.Digest{d1, d2})
	body, err := w.Close(2, 250, want)
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := DecodeDynamicReader(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.ChunkCount() != 2 || r.TotalSize() != 250 {
		t.Errorf("got count=%d size=%d", r.ChunkCount(), r.TotalSize())
	}
	info, err := r.ChunkInfo(1)
	if err != nil {
		t.Fatalf("ChunkInfo: %v", err)
	}
	if info.Digest != d2 || info.Offset != 100 || info.Size != 150 {
		t.Errorf("got %+v", info)
	}
}

func TestDynamicWriterNonIncreasingOffsetRejected(t *testing.T) {
	w := NewDynamicWriter()
	if err := w.AppendChunk(100, dg("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.AppendChunk(100, dg("b")); !errors.Is(err, ErrOffsetNotIncreasing) {
		t.Errorf("expected ErrOffsetNotIncreasing, got %v", err)
	}
	if err := w.AppendChunk(50, dg("c")); !errors.Is(err, ErrOffsetNotIncreasing) {
		t.Errorf("expected ErrOffsetNotIncreasing, got %v", err)
	}
}

func TestDecodeDynamicRejectsNonIncreasingBody(t *testing.T) {
	w := NewDynamicWriter()
	if err := w.AppendChunk(10, dg("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	body, err := w.Close(1, 10, Checksum([]digest.Digest{dg("a")}))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// A body that is not header plus whole entries is malformed.
	if _, err := DecodeDynamicReader(body[:len(body)-1]); !errors.Is(err, ErrBadBody) {
		t.Errorf("expected ErrBadBody, got %v", err)
	}

	// A well-formed body whose second end offset (rewritten to 5) does not
	// exceed the first (10).
	w2 := NewDynamicWriter()
	if err := w2.AppendChunk(10, dg("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w2.AppendChunk(20, dg("b")); err != nil {
		t.Fatalf("append: %v", err)
	}
	body2, err := w2.Close(2, 20, Checksum([]digest.Digest{dg("a"), dg("b")}))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	putUint64(body2[dynamicHeaderSize+dynamicEntrySize:], 5)
	if _, err := DecodeDynamicReader(body2); !errors.Is(err, ErrOffsetNotIncreasing) {
		t.Errorf("expected ErrOffsetNotIncreasing, got %v", err)
	}
}
