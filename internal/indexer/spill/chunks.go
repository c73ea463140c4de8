package spill

import (
	"bytes"
	"fmt"
)

// IntoChunks splits r into consecutive readers of about chunkSize bytes of
// key/value payload each. r is closed.
func IntoChunks(r *Reader, chunkSize int, opts Options) ([]*Reader, error) {
	defer r.Close()
	var (
		chunks  []*Reader
		w       *Writer
		current int
	)
	fail := func(err error) ([]*Reader, error) {
		if w != nil {
			w.Abort()
		}
		for _, c := range chunks {
			c.Close()
		}
		return nil, err
	}
	c := r.Cursor()
	for c.Next() {
		if w == nil {
			var err error
			if w, err = NewWriter(opts); err != nil {
				return fail(err)
			}
			current = 0
		}
		if err := w.Insert(c.Key(), c.Value()); err != nil {
			return fail(err)
		}
		current += len(c.Key()) + len(c.Value())
		if current >= chunkSize {
			chunk, err := w.Finish()
			w = nil
			if err != nil {
				return fail(err)
			}
			chunks = append(chunks, chunk)
		}
	}
	if err := c.Err(); err != nil {
		return fail(err)
	}
	if w != nil {
		chunk, err := w.Finish()
		w = nil
		if err != nil {
			return fail(err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// SplitLike splits r along the key ranges of the given chunks: the i-th
// output holds the keys of r that are greater than the last key of chunk
// i-1 and at most the last key of chunk i. Keys beyond the last chunk go
// into the last output. r is closed.
func SplitLike(r *Reader, like []*Reader, opts Options) ([]*Reader, error) {
	defer r.Close()
	if len(like) == 0 {
		if r.Len() > 0 {
			return nil, fmt.Errorf("cannot split %d entries along zero chunks", r.Len())
		}
		return nil, nil
	}
	out := make([]*Reader, 0, len(like))
	fail := func(w *Writer, err error) ([]*Reader, error) {
		if w != nil {
			w.Abort()
		}
		for _, c := range out {
			c.Close()
		}
		return nil, err
	}
	w, err := NewWriter(opts)
	if err != nil {
		return nil, err
	}
	idx := 0
	c := r.Cursor()
	for c.Next() {
		for idx < len(like)-1 && bytes.Compare(c.Key(), like[idx].LastKey()) > 0 {
			chunk, err := w.Finish()
			if err != nil {
				return fail(nil, err)
			}
			out = append(out, chunk)
			if w, err = NewWriter(opts); err != nil {
				return fail(nil, err)
			}
			idx++
		}
		if err := w.Insert(c.Key(), c.Value()); err != nil {
			return fail(w, err)
		}
	}
	if err := c.Err(); err != nil {
		return fail(w, err)
	}
	for {
		chunk, err := w.Finish()
		if err != nil {
			return fail(nil, err)
		}
		out = append(out, chunk)
		if len(out) == len(like) {
			break
		}
		if w, err = NewWriter(opts); err != nil {
			return fail(nil, err)
		}
	}
	return out, nil
}
