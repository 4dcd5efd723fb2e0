package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bmatcuk/doublestar/v4"
)

// Reader looks up entries and walks directories in an already-written
// catalog stream.
type Reader struct {
	r    io.ReaderAt
	size int64
}

// NewReader wraps r, which must expose size bytes of catalog data.
func NewReader(r io.ReaderAt, size int64) *Reader {
	return &Reader{r: r, size: size}
}

// Root reads the trailing offset and magic, returning the root directory
// entry.
func (r *Reader) Root() (Entry, error) {
	if r.size < 16 {
		return Entry{}, fmt.Errorf("catalog: file too small (%d bytes)", r.size)
	}

	var magic [8]byte
	if _, err := r.r.ReadAt(magic[:], 0); err != nil {
		return Entry{}, fmt.Errorf("catalog: read magic: %w", err)
	}
	if magic != Magic {
		return Entry{}, fmt.Errorf("catalog: unexpected magic number")
	}

	var trailer [8]byte
	if _, err := r.r.ReadAt(trailer[:], r.size-8); err != nil {
		return Entry{}, fmt.Errorf("catalog: read trailer: %w", err)
	}
	start := binary.LittleEndian.Uint64(trailer[:])

	return Entry{Type: Directory, Start: start}, nil
}

// ReadDir returns every entry directly inside parent, a Directory entry
// previously returned by Root or ReadDir.
func (r *Reader) ReadDir(parent Entry) ([]Entry, error) {
	if parent.Type != Directory {
		return nil, fmt.Errorf("catalog: parent is not a directory")
	}

	data, err := r.readBlock(parent.Start)
	if err != nil {
		return nil, err
	}

	var out []Entry
	err = parseBlock(data, func(raw Entry) (bool, error) {
		e := raw
		if raw.Type == Directory {
			if raw.Start > parent.Start {
				return false, fmt.Errorf("catalog: corrupt offset %d > %d", raw.Start, parent.Start)
			}
			e.Start = parent.Start - raw.Start
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}

// Lookup finds one named entry directly inside parent, or returns found ==
// false if it is not present.
func (r *Reader) Lookup(parent Entry, name []byte) (entry Entry, found bool, err error) {
	entries, err := r.ReadDir(parent)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Name, name) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Find walks the whole tree under root and invokes cb for every path whose
// slash-separated name matches the doublestar pattern.
func (r *Reader) Find(root Entry, pattern string, cb func(path string) error) error {
	return r.find(root, "", pattern, cb)
}

func (r *Reader) find(dir Entry, prefix, pattern string, cb func(path string) error) error {
	entries, err := r.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := prefix + "/" + string(e.Name)
		matched, err := doublestar.Match(pattern, path[1:])
		if err != nil {
			return fmt.Errorf("catalog: bad pattern %q: %w", pattern, err)
		}
		if matched {
			if err := cb(path); err != nil {
				return err
			}
		}
		if e.IsDir() {
			if err := r.find(e, path, pattern, cb); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) readBlock(start uint64) ([]byte, error) {
	if int64(start) >= r.size {
		return nil, fmt.Errorf("catalog: block offset %d out of range", start)
	}
	sr := io.NewSectionReader(r.r, int64(start), r.size-int64(start))
	br := byteReader{sr}

	size, err := decodeVarint(br)
	if err != nil {
		return nil, fmt.Errorf("catalog: read block size: %w", err)
	}
	if size < 1 {
		return nil, fmt.Errorf("catalog: directory block too small (%d)", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(sr, data); err != nil {
		return nil, fmt.Errorf("catalog: read block: %w", err)
	}
	return data, nil
}

// byteReader adapts an io.Reader to io.ByteReader one byte at a time, which
// is all decodeVarint needs and keeps readBlock from depending on
// bufio.Reader's extra buffering.
type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// parseBlock walks one directory block's entry table, invoking cb for each
// entry. cb returns false to stop early.
func parseBlock(data []byte, cb func(Entry) (bool, error)) error {
	cursor := bytes.NewReader(data)
	count, err := decodeVarint(byteReader{cursor})
	if err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		var typeByte [1]byte
		if _, err := io.ReadFull(cursor, typeByte[:]); err != nil {
			return fmt.Errorf("catalog: read entry type: %w", err)
		}
		etype, err := parseEntryType(typeByte[0])
		if err != nil {
			return err
		}

		nameLen, err := decodeVarint(byteReader{cursor})
		if err != nil {
			return err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(cursor, name); err != nil {
			return fmt.Errorf("catalog: read entry name: %w", err)
		}

		e := Entry{Type: etype, Name: name}
		switch etype {
		case Directory:
			off, err := decodeVarint(byteReader{cursor})
			if err != nil {
				return err
			}
			e.Start = off // caller resolves this to an absolute offset
		case File:
			size, err := decodeVarint(byteReader{cursor})
			if err != nil {
				return err
			}
			mtime, err := decodeVarint(byteReader{cursor})
			if err != nil {
				return err
			}
			e.Size = size
			e.MTime = mtime
		}

		cont, err := cb(e)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}

	if cursor.Len() != 0 {
		return fmt.Errorf("catalog: trailing bytes after parsing directory block")
	}
	return nil
}
