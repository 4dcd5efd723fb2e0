package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type dirBuf struct {
	name    []byte
	entries []Entry
}

// Writer builds a catalog tree by depth-first directory descent, writing
// each directory's block to the underlying stream as soon as it is closed
// (post-order), so that a parent's Directory entry can record a backward
// offset to a child block already on disk.
type Writer struct {
	w        io.Writer
	dirstack []*dirBuf
	pos      uint64
}

// NewWriter starts a new catalog stream, writing the magic immediately.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := &Writer{w: w, dirstack: []*dirBuf{{}}}
	if err := cw.writeAll(Magic[:]); err != nil {
		return nil, err
	}
	return cw, nil
}

func (w *Writer) writeAll(data []byte) error {
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("catalog: write: %w", err)
	}
	w.pos += uint64(len(data))
	return nil
}

func (w *Writer) top() *dirBuf {
	return w.dirstack[len(w.dirstack)-1]
}

// StartDirectory pushes a new directory level named name.
func (w *Writer) StartDirectory(name []byte) {
	w.dirstack = append(w.dirstack, &dirBuf{name: append([]byte(nil), name...)})
}

// EndDirectory closes the current directory level, writes its block, and
// records it as a Directory entry in the parent level.
func (w *Writer) EndDirectory() error {
	if len(w.dirstack) < 2 {
		return fmt.Errorf("catalog: end_directory at root level")
	}
	dir := w.dirstack[len(w.dirstack)-1]
	w.dirstack = w.dirstack[:len(w.dirstack)-1]

	start := w.pos
	data, err := encodeDirBlock(dir, start)
	if err != nil {
		return err
	}
	if err := w.writeAll(data); err != nil {
		return err
	}

	w.top().entries = append(w.top().entries, Entry{Type: Directory, Name: dir.name, Start: start})
	return nil
}

// AddFile records a regular file entry in the current directory level.
func (w *Writer) AddFile(name []byte, size, mtime uint64) {
	w.top().entries = append(w.top().entries, Entry{Type: File, Name: clone(name), Size: size, MTime: mtime})
}

// AddSymlink records a symlink entry.
func (w *Writer) AddSymlink(name []byte) { w.addSimple(Symlink, name) }

// AddHardlink records a hardlink entry.
func (w *Writer) AddHardlink(name []byte) { w.addSimple(Hardlink, name) }

// AddBlockDevice records a block device entry.
func (w *Writer) AddBlockDevice(name []byte) { w.addSimple(BlockDevice, name) }

// AddCharDevice records a character device entry.
func (w *Writer) AddCharDevice(name []byte) { w.addSimple(CharDevice, name) }

// AddFifo records a named-pipe entry.
func (w *Writer) AddFifo(name []byte) { w.addSimple(Fifo, name) }

// AddSocket records a unix socket entry.
func (w *Writer) AddSocket(name []byte) { w.addSimple(Socket, name) }

func (w *Writer) addSimple(t EntryType, name []byte) {
	w.top().entries = append(w.top().entries, Entry{Type: t, Name: clone(name)})
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

// Finish closes the root directory, writing its block and the trailing
// 8-byte little-endian offset pointing to it. The Writer must be at root
// level (every StartDirectory matched by an EndDirectory).
func (w *Writer) Finish() error {
	if len(w.dirstack) != 1 {
		return fmt.Errorf("catalog: finish called at depth %d", len(w.dirstack)-1)
	}
	root := w.dirstack[0]

	start := w.pos
	data, err := encodeDirBlock(root, start)
	if err != nil {
		return err
	}
	if err := w.writeAll(data); err != nil {
		return err
	}

	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], start)
	return w.writeAll(trailer[:])
}

// encodeDirBlock renders one directory's entry table, each Directory entry's
// offset stored as (start - child.Start): a backward distance from this
// block's own position to the already-written child block.
func encodeDirBlock(dir *dirBuf, start uint64) ([]byte, error) {
	var table bytes.Buffer
	if err := encodeVarint(&table, uint64(len(dir.entries))); err != nil {
		return nil, err
	}
	for _, e := range dir.entries {
		if err := encodeEntry(&table, e, start); err != nil {
			return nil, err
		}
	}

	var data bytes.Buffer
	if err := encodeVarint(&data, uint64(table.Len())); err != nil {
		return nil, err
	}
	data.Write(table.Bytes())
	return data.Bytes(), nil
}

func encodeEntry(buf *bytes.Buffer, e Entry, pos uint64) error {
	buf.WriteByte(byte(e.Type))
	if err := encodeVarint(buf, uint64(len(e.Name))); err != nil {
		return err
	}
	buf.Write(e.Name)

	switch e.Type {
	case Directory:
		if e.Start > pos {
			return fmt.Errorf("catalog: child offset %d is ahead of parent %d", e.Start, pos)
		}
		return encodeVarint(buf, pos-e.Start)
	case File:
		if err := encodeVarint(buf, e.Size); err != nil {
			return err
		}
		return encodeVarint(buf, e.MTime)
	default:
		return nil
	}
}
