// Package obkv encodes canonical documents: an ordered list of field id and
// raw JSON value pairs. Layout per field: field id (uint16 big-endian), value
// length (uvarint), value bytes. Field ids are strictly increasing.
package obkv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// FieldID is the small integer id of a field name.
type FieldID = uint16

// ErrMalformed is returned when a document cannot be decoded.
var ErrMalformed = errors.New("malformed document")

// Document is an encoded canonical document.
type Document []byte

// Field is one decoded field of a document.
type Field struct {
	ID    FieldID
	Value []byte
}

// Builder writes a Document field by field in increasing field id order.
type Builder struct {
	buf  []byte
	last int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{last: -1}
}

// Insert appends a field. Field ids must be strictly increasing.
func (b *Builder) Insert(id FieldID, value []byte) error {
	if int(id) <= b.last {
		return fmt.Errorf("field id %d inserted after %d", id, b.last)
	}
	b.last = int(id)
	b.buf = binary.BigEndian.AppendUint16(b.buf, id)
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, value...)
	return nil
}

// Bytes returns the encoded document.
func (b *Builder) Bytes() Document {
	if b.buf == nil {
		return Document{}
	}
	return Document(b.buf)
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.last = -1
}

// FromMap encodes fields in field id order.
func FromMap(fields map[FieldID][]byte) Document {
	ids := make([]FieldID, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	b := NewBuilder()
	for _, id := range ids {
		_ = b.Insert(id, fields[id])
	}
	return b.Bytes()
}

// Fields decodes every field. Values alias the document bytes.
func (d Document) Fields() ([]Field, error) {
	var out []Field
	err := d.Each(func(id FieldID, value []byte) error {
		out = append(out, Field{ID: id, Value: value})
		return nil
	})
	return out, err
}

// Each calls fn for every field in order.
func (d Document) Each(fn func(id FieldID, value []byte) error) error {
	for pos := 0; pos < len(d); {
		if pos+2 > len(d) {
			return fmt.Errorf("%w: truncated field id at %d", ErrMalformed, pos)
		}
		id := binary.BigEndian.Uint16(d[pos:])
		pos += 2
		n, k := binary.Uvarint(d[pos:])
		if k <= 0 || pos+k+int(n) > len(d) {
			return fmt.Errorf("%w: bad value length for field %d", ErrMalformed, id)
		}
		pos += k
		if err := fn(id, d[pos:pos+int(n)]); err != nil {
			return err
		}
		pos += int(n)
	}
	return nil
}

// Get returns the value of field id, or nil when absent.
func (d Document) Get(id FieldID) ([]byte, error) {
	var found []byte
	err := d.Each(func(fid FieldID, value []byte) error {
		if fid == id {
			found = value
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return found, nil
	}
	return nil, err
}

// ToMap decodes the document into a map, copying values.
func (d Document) ToMap() (map[FieldID][]byte, error) {
	out := make(map[FieldID][]byte)
	err := d.Each(func(id FieldID, value []byte) error {
		out[id] = slices.Clone(value)
		return nil
	})
	return out, err
}

var errStop = errors.New("stop")
