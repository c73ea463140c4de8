package spill

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Reader is an immutable, finished spill file. Any number of cursors may read
// it concurrently.
type Reader struct {
	src     io.ReaderAt
	file    *os.File
	size    int64
	codec   Codec
	entries uint64
	dataEnd int64
	lastKey []byte
}

func openFile(f *os.File) (*Reader, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("stat spill file: %w", err)
	}
	r, err := newReader(f, info.Size(), f)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return r, nil
}

func newReader(src io.ReaderAt, size int64, file *os.File) (*Reader, error) {
	if size < int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupted, size)
	}
	header := make([]byte, HeaderSize)
	if _, err := src.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("reading spill header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad magic bytes %x", ErrCorrupted, magic)
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, version)
	}
	footer := make([]byte, FooterSize)
	if _, err := src.ReadAt(footer, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("reading spill footer: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(footer[20:24]); magic != MagicBytes {
		return nil, fmt.Errorf("%w: bad footer magic %x", ErrCorrupted, magic)
	}
	r := &Reader{
		src:     src,
		file:    file,
		size:    size,
		codec:   Codec(header[8]),
		entries: binary.LittleEndian.Uint64(footer[0:8]),
		dataEnd: int64(binary.LittleEndian.Uint64(footer[8:16])),
	}
	lastKeyLen := int64(binary.LittleEndian.Uint32(footer[16:20]))
	if r.dataEnd < int64(HeaderSize) || r.dataEnd+lastKeyLen+int64(FooterSize) != size {
		return nil, fmt.Errorf("%w: inconsistent footer", ErrCorrupted)
	}
	r.lastKey = make([]byte, lastKeyLen)
	if _, err := src.ReadAt(r.lastKey, r.dataEnd); err != nil {
		return nil, fmt.Errorf("reading last key: %w", err)
	}
	return r, nil
}

// Len returns the number of entries.
func (r *Reader) Len() uint64 {
	return r.entries
}

// Size returns the encoded size in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// LastKey returns the greatest key, or nil for an empty reader.
func (r *Reader) LastKey() []byte {
	if r.entries == 0 {
		return nil
	}
	return r.lastKey
}

// Codec returns the block compression of the file.
func (r *Reader) Codec() Codec {
	return r.codec
}

// Cursor returns a new cursor positioned before the first entry.
func (r *Reader) Cursor() *Cursor {
	return &Cursor{
		r:   r,
		buf: bufio.NewReaderSize(io.NewSectionReader(r.src, int64(HeaderSize), r.dataEnd-int64(HeaderSize)), 32<<10),
	}
}

// Close releases the file backing the reader and removes it.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	name := r.file.Name()
	err := r.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && err == nil && !os.IsNotExist(rmErr) {
		err = rmErr
	}
	r.file = nil
	return err
}

// Cursor iterates the entries of a Reader in key order. Key and Value are
// valid until the next call to Next.
type Cursor struct {
	r     *Reader
	buf   *bufio.Reader
	block []byte
	pos   int
	key   []byte
	value []byte
	err   error
	done  bool
}

// Next advances to the next entry.
func (c *Cursor) Next() bool {
	if c.done || c.err != nil {
		return false
	}
	if c.pos >= len(c.block) {
		if !c.loadBlock() {
			return false
		}
	}
	klen, n := binary.Uvarint(c.block[c.pos:])
	if n <= 0 || c.pos+n+int(klen) > len(c.block) {
		c.err = fmt.Errorf("%w: bad key length", ErrCorrupted)
		return false
	}
	c.pos += n
	c.key = c.block[c.pos : c.pos+int(klen)]
	c.pos += int(klen)
	vlen, n := binary.Uvarint(c.block[c.pos:])
	if n <= 0 || c.pos+n+int(vlen) > len(c.block) {
		c.err = fmt.Errorf("%w: bad value length", ErrCorrupted)
		return false
	}
	c.pos += n
	c.value = c.block[c.pos : c.pos+int(vlen)]
	c.pos += int(vlen)
	return true
}

func (c *Cursor) loadBlock() bool {
	rawLen, err := binary.ReadUvarint(c.buf)
	if err == io.EOF {
		c.done = true
		return false
	}
	if err != nil {
		c.err = fmt.Errorf("reading block header: %w", err)
		return false
	}
	storedLen, err := binary.ReadUvarint(c.buf)
	if err != nil {
		c.err = fmt.Errorf("%w: truncated block header", ErrCorrupted)
		return false
	}
	var sum [4]byte
	if _, err := io.ReadFull(c.buf, sum[:]); err != nil {
		c.err = fmt.Errorf("%w: truncated block checksum", ErrCorrupted)
		return false
	}
	stored := make([]byte, storedLen)
	if _, err := io.ReadFull(c.buf, stored); err != nil {
		c.err = fmt.Errorf("%w: truncated block", ErrCorrupted)
		return false
	}
	if crc32.ChecksumIEEE(stored) != binary.LittleEndian.Uint32(sum[:]) {
		c.err = fmt.Errorf("%w: block checksum mismatch", ErrCorrupted)
		return false
	}
	raw, err := decompress(c.r.codec, stored, int(rawLen))
	if err != nil {
		c.err = fmt.Errorf("%w: %v", ErrCorrupted, err)
		return false
	}
	if len(raw) != int(rawLen) {
		c.err = fmt.Errorf("%w: block length mismatch", ErrCorrupted)
		return false
	}
	c.block = raw
	c.pos = 0
	return true
}

func (c *Cursor) Key() []byte {
	return c.key
}

func (c *Cursor) Value() []byte {
	return c.value
}

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error {
	return c.err
}
