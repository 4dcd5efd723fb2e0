package format

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Kind: KindFixedIndex, Version: 1, Flags: 0x05}
	buf := h.Encode()

	got, err := Decode(buf[:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestHeaderEncodeInto(t *testing.T) {
	h := Header{Kind: KindBlob, Version: 2, Flags: 0}
	buf := make([]byte, 10)
	n := h.EncodeInto(buf)
	if n != HeaderSize {
		t.Fatalf("expected %d bytes written, got %d", HeaderSize, n)
	}
	if buf[0] != Signature || buf[1] != KindBlob || buf[2] != 2 {
		t.Errorf("unexpected header bytes: %v", buf[:HeaderSize])
	}
}

func TestDecodeTooSmall(t *testing.T) {
	_, err := Decode([]byte{Signature, KindBlob})
	if err != ErrHeaderTooSmall {
		t.Errorf("expected ErrHeaderTooSmall, got %v", err)
	}
}

func TestDecodeSignatureMismatch(t *testing.T) {
	_, err := Decode([]byte{'x', KindBlob, 1, 0})
	if err != ErrSignatureMismatch {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestDecodeAndValidate(t *testing.T) {
	buf := []byte{Signature, KindManifest, 1, 0}
	h, err := DecodeAndValidate(buf, KindManifest, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Kind != KindManifest {
		t.Errorf("got kind %q", h.Kind)
	}
}

func TestDecodeAndValidateMismatches(t *testing.T) {
	buf := []byte{Signature, KindManifest, 1, 0}
	if _, err := DecodeAndValidate(buf, KindCatalog, 1); err != ErrKindMismatch {
		t.Errorf("expected ErrKindMismatch, got %v", err)
	}
	if _, err := DecodeAndValidate(buf, KindManifest, 2); err != ErrVersionMismatch {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
}
