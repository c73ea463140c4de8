// Package spill implements the sorted spill files the indexing pipeline
// streams through: a block-compressed writer for strictly increasing keys, an
// immutable reader that hands out independent cursors, and an external
// sorter that spills to temporary files when it exceeds its memory budget.
package spill

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// MagicBytes identifies a spill file.
const (
	MagicBytes    uint32 = 0x53504c4c
	FormatVersion uint32 = 1
	HeaderSize    int    = 16
	FooterSize    int    = 24
	blockSize     int    = 64 << 10
)

var (
	// ErrUnsortedKey is returned when keys are not strictly increasing.
	ErrUnsortedKey = errors.New("spill keys must be strictly increasing")
	// ErrCorrupted is returned when a spill file fails validation.
	ErrCorrupted = errors.New("corrupted spill file")
)

// Options configures writers and sorters.
type Options struct {
	Codec Codec
	Level int
	// TempDir holds spill files. Empty keeps everything in memory.
	TempDir string
	// MaxMemory is the sorter's in-memory budget in bytes before it spills.
	MaxMemory int64
	// MaxNbChunks caps how many spilled chunks a sorter keeps before compacting.
	MaxNbChunks int
}

// Writer serialises strictly increasing key/value entries into a spill file.
type Writer struct {
	opts     Options
	file     *os.File
	mem      *memFile
	out      io.Writer
	offset   int64
	block    bytes.Buffer
	lastKey  []byte
	hasLast  bool
	entries  uint64
	finished bool
}

// NewWriter creates a Writer backed by a temporary file in opts.TempDir, or by
// memory when TempDir is empty.
func NewWriter(opts Options) (*Writer, error) {
	w := &Writer{opts: opts}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
			return nil, fmt.Errorf("creating spill directory: %w", err)
		}
		f, err := os.CreateTemp(opts.TempDir, "spill-*.tmp")
		if err != nil {
			return nil, fmt.Errorf("creating spill file: %w", err)
		}
		w.file = f
		w.out = f
	} else {
		w.mem = &memFile{}
		w.out = w.mem
	}
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(header[4:8], FormatVersion)
	header[8] = byte(opts.Codec)
	if err := w.write(header); err != nil {
		w.discard()
		return nil, fmt.Errorf("writing header: %w", err)
	}
	return w, nil
}

// Insert appends one entry. Keys must be strictly increasing.
func (w *Writer) Insert(key, value []byte) error {
	if w.hasLast && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrUnsortedKey, key, w.lastKey)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.hasLast = true

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
	w.block.Write(lenBuf[:n])
	w.block.Write(key)
	n = binary.PutUvarint(lenBuf[:], uint64(len(value)))
	w.block.Write(lenBuf[:n])
	w.block.Write(value)
	w.entries++

	if w.block.Len() >= blockSize {
		return w.flushBlock()
	}
	return nil
}

// Len returns the number of entries inserted so far.
func (w *Writer) Len() uint64 {
	return w.entries
}

// Finish flushes pending data, writes the footer and returns an immutable
// Reader. The Writer must not be used afterwards.
func (w *Writer) Finish() (*Reader, error) {
	if w.finished {
		return nil, errors.New("spill writer already finished")
	}
	w.finished = true
	if err := w.flushBlock(); err != nil {
		w.discard()
		return nil, err
	}
	dataEnd := w.offset
	if err := w.write(w.lastKey); err != nil {
		w.discard()
		return nil, fmt.Errorf("writing last key: %w", err)
	}
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(footer[0:8], w.entries)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(dataEnd))
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(w.lastKey)))
	binary.LittleEndian.PutUint32(footer[20:24], MagicBytes)
	if err := w.write(footer); err != nil {
		w.discard()
		return nil, fmt.Errorf("writing footer: %w", err)
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.discard()
			return nil, fmt.Errorf("syncing spill file: %w", err)
		}
		return openFile(w.file)
	}
	return newReader(bytes.NewReader(w.mem.buf), int64(len(w.mem.buf)), nil)
}

// Abort drops the writer and its file.
func (w *Writer) Abort() {
	w.finished = true
	w.discard()
}

func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	raw := w.block.Bytes()
	stored, err := compress(w.opts.Codec, w.opts.Level, raw)
	if err != nil {
		return err
	}
	var head [2*binary.MaxVarintLen64 + 4]byte
	n := binary.PutUvarint(head[:], uint64(len(raw)))
	n += binary.PutUvarint(head[n:], uint64(len(stored)))
	binary.LittleEndian.PutUint32(head[n:], crc32.ChecksumIEEE(stored))
	n += 4
	if err := w.write(head[:n]); err != nil {
		return fmt.Errorf("writing block header: %w", err)
	}
	if err := w.write(stored); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	w.block.Reset()
	return nil
}

func (w *Writer) write(p []byte) error {
	n, err := w.out.Write(p)
	w.offset += int64(n)
	return err
}

func (w *Writer) discard() {
	if w.file != nil {
		name := w.file.Name()
		w.file.Close()
		os.Remove(name)
		w.file = nil
	}
	w.mem = nil
}

type memFile struct {
	buf []byte
}

func (m *memFile) Write(p []byte) (int, error) {
	m.buf = append(m.buf, p...)
	return len(p), nil
}
