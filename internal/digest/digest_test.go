package digest

import "testing"

func TestOfAndString(t *testing.T) {
	d := Of([]byte("hello"))
	s := d.String()
	if len(s) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d (%s)", Size*2, len(s), s)
	}

	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != d {
		t.Errorf("round trip mismatch: got %s, want %s", got, s)
	}
}

func TestParseBadLength(t *testing.T) {
	if _, err := Parse("deadbeef"); err != ErrBadLength {
		t.Errorf("expected ErrBadLength, got %v", err)
	}
}

func TestZero(t *testing.T) {
	var d Digest
	if !d.IsZero() {
		t.Error("zero-value Digest should be IsZero")
	}
	if Of([]byte("x")).IsZero() {
		t.Error("non-empty payload digest should not be zero")
	}
}

func TestFanoutPrefix(t *testing.T) {
	d, err := Parse("aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := d.FanoutPrefix(); got != "aa" {
		t.Errorf("got prefix %q, want %q", got, "aa")
	}
}
