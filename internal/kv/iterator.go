package kv

import "github.com/cockroachdb/pebble"

// Iterator walks one database in key order. Key and Value are only valid
// until the next call to Next; callers copy what they keep.
type Iterator struct {
	it      *pebble.Iterator
	started bool
}

// Next advances the iterator and reports whether an entry is available.
func (i *Iterator) Next() bool {
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Next()
}

// Key returns the current key without its database tag.
func (i *Iterator) Key() []byte {
	return i.it.Key()[1:]
}

// Value returns the current value.
func (i *Iterator) Value() []byte {
	return i.it.Value()
}

// Err returns the first error hit while iterating.
func (i *Iterator) Err() error {
	return i.it.Error()
}

// Close releases the iterator.
func (i *Iterator) Close() error {
	return i.it.Close()
}
