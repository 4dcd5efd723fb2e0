package catalog

import (
	"bytes"
	"sort"
	"testing"
)

// byteSliceReaderAt adapts a byte slice to io.ReaderAt for the Reader.
type byteSliceReaderAt struct{ data []byte }

func (b byteSliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, bytesOutOfRange
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, bytesOutOfRange
	}
	return n, nil
}

var bytesOutOfRange = fmtErr("catalog test: read past end of buffer")

type fmtErr string

func (e fmtErr) Error() string { return string(e) }

func buildSampleTree(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	w.AddFile([]byte("root.txt"), 100, 1000)
	w.StartDirectory([]byte("etc"))
	w.AddFile([]byte("hosts"), 12, 2000)
	w.AddSymlink([]byte("localtime"))
	w.StartDirectory([]byte("ssh"))
	w.AddFile([]byte("sshd_config"), 500, 3000)
	if err := w.EndDirectory(); err != nil { // ssh
		t.Fatalf("EndDirectory(ssh): %v", err)
	}
	if err := w.EndDirectory(); err != nil { // etc
		t.Fatalf("EndDirectory(etc): %v", err)
	}
	w.AddBlockDevice([]byte("sda"))

	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return buf.Bytes()
}

func TestWriterReaderRoundTrip(t *testing.T) {
	data := buildSampleTree(t)

	r := NewReader(byteSliceReaderAt{data}, int64(len(data)))
	root, err := r.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	entries, err := r.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir(root): %v", err)
	}
	names := entryNames(entries)
	sort.Strings(names)
	if got, want := names, []string{"etc", "root.txt", "sda"}; !equalStrings(got, want) {
		t.Fatalf("root entries = %v, want %v", got, want)
	}

	etc, found, err := r.Lookup(root, []byte("etc"))
	if err != nil || !found {
		t.Fatalf("Lookup(etc): found=%v err=%v", found, err)
	}
	if !etc.IsDir() {
		t.Fatal("etc should be a directory entry")
	}

	etcEntries, err := r.ReadDir(etc)
	if err != nil {
		t.Fatalf("ReadDir(etc): %v", err)
	}
	etcNames := entryNames(etcEntries)
	sort.Strings(etcNames)
	if got, want := etcNames, []string{"hosts", "localtime", "ssh"}; !equalStrings(got, want) {
		t.Fatalf("etc entries = %v, want %v", got, want)
	}

	hosts, found, err := r.Lookup(etc, []byte("hosts"))
	if err != nil || !found {
		t.Fatalf("Lookup(hosts): found=%v err=%v", found, err)
	}
	if hosts.Type != File || hosts.Size != 12 || hosts.MTime != 2000 {
		t.Fatalf("hosts entry = %+v", hosts)
	}

	ssh, found, err := r.Lookup(etc, []byte("ssh"))
	if err != nil || !found {
		t.Fatalf("Lookup(ssh): found=%v err=%v", found, err)
	}
	sshEntries, err := r.ReadDir(ssh)
	if err != nil {
		t.Fatalf("ReadDir(ssh): %v", err)
	}
	if len(sshEntries) != 1 || string(sshEntries[0].Name) != "sshd_config" {
		t.Fatalf("ssh entries = %+v", sshEntries)
	}
}

func TestFindMatchesPattern(t *testing.T) {
	data := buildSampleTree(t)
	r := NewReader(byteSliceReaderAt{data}, int64(len(data)))
	root, err := r.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	var matches []string
	if err := r.Find(root, "**/*.txt", func(path string) error {
		matches = append(matches, path)
		return nil
	}); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(matches) != 1 || matches[0] != "/root.txt" {
		t.Fatalf("matches = %v", matches)
	}

	matches = nil
	if err := r.Find(root, "**/sshd_config", func(path string) error {
		matches = append(matches, path)
		return nil
	}); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(matches) != 1 || matches[0] != "/etc/ssh/sshd_config" {
		t.Fatalf("matches = %v", matches)
	}
}

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 - 1}
	for _, v := range values {
		var buf bytes.Buffer
		if err := encodeVarint(&buf, v); err != nil {
			t.Fatalf("encodeVarint(%d): %v", v, err)
		}
		got, err := decodeVarint(byteReader{bytes.NewReader(buf.Bytes())})
		if err != nil {
			t.Fatalf("decodeVarint(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d -> %d", v, got)
		}
	}
}

func TestEncodeVarintRejectsTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := encodeVarint(&buf, 1<<63); err == nil {
		t.Error("expected error for value >= 2^63")
	}
}

func entryNames(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = string(e.Name)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
