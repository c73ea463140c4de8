package spill

import (
	"bytes"
	"container/heap"
	"fmt"
	"log/slog"
	"slices"
)

// MergeFunc combines every value inserted under one key, in insertion order.
type MergeFunc func(key []byte, values [][]byte) ([]byte, error)

const entryOverhead = 48

type entry struct {
	key   []byte
	value []byte
}

// Sorter accepts unsorted entries, merges duplicate keys with its MergeFunc
// and produces a sorted Reader. It spills to chunks once MaxMemory is
// exceeded and compacts chunks once there are more than MaxNbChunks.
type Sorter struct {
	opts    Options
	merge   MergeFunc
	entries []entry
	memory  int64
	chunks  []*Reader
	logger  *slog.Logger
}

// NewSorter creates a Sorter.
func NewSorter(opts Options, merge MergeFunc) *Sorter {
	return &Sorter{
		opts:   opts,
		merge:  merge,
		logger: slog.Default().With("component", "spill-sorter"),
	}
}

// Insert buffers one entry. Key and value are copied.
func (s *Sorter) Insert(key, value []byte) error {
	s.entries = append(s.entries, entry{
		key:   bytes.Clone(key),
		value: bytes.Clone(value),
	})
	s.memory += int64(len(key)+len(value)) + entryOverhead
	if s.opts.MaxMemory > 0 && s.memory >= s.opts.MaxMemory {
		return s.spill()
	}
	return nil
}

// Finish returns the sorted, merged content. The Sorter is empty afterwards.
func (s *Sorter) Finish() (*Reader, error) {
	if len(s.chunks) == 0 {
		return s.writeEntries()
	}
	if len(s.entries) > 0 {
		if err := s.spill(); err != nil {
			return nil, err
		}
	}
	if len(s.chunks) == 1 {
		r := s.chunks[0]
		s.chunks = nil
		return r, nil
	}
	chunks := s.chunks
	s.chunks = nil
	return Merge(s.opts, s.merge, chunks...)
}

// Abort releases every spilled chunk.
func (s *Sorter) Abort() {
	for _, c := range s.chunks {
		c.Close()
	}
	s.chunks = nil
	s.entries = nil
	s.memory = 0
}

func (s *Sorter) spill() error {
	r, err := s.writeEntries()
	if err != nil {
		return err
	}
	s.chunks = append(s.chunks, r)
	s.logger.Debug("sorter spilled chunk", "entries", r.Len(), "bytes", r.Size(), "chunks", len(s.chunks))
	if s.opts.MaxNbChunks > 0 && len(s.chunks) > s.opts.MaxNbChunks {
		merged, err := Merge(s.opts, s.merge, s.chunks...)
		if err != nil {
			s.chunks = nil
			return fmt.Errorf("compacting sorter chunks: %w", err)
		}
		s.chunks = []*Reader{merged}
	}
	return nil
}

func (s *Sorter) writeEntries() (*Reader, error) {
	slices.SortStableFunc(s.entries, func(a, b entry) int {
		return bytes.Compare(a.key, b.key)
	})
	w, err := NewWriter(s.opts)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, 0, 4)
	for i := 0; i < len(s.entries); {
		j := i + 1
		for j < len(s.entries) && bytes.Equal(s.entries[j].key, s.entries[i].key) {
			j++
		}
		value := s.entries[i].value
		if j-i > 1 {
			values = values[:0]
			for _, e := range s.entries[i:j] {
				values = append(values, e.value)
			}
			if value, err = s.merge(s.entries[i].key, values); err != nil {
				w.Abort()
				return nil, fmt.Errorf("merging values of key %q: %w", s.entries[i].key, err)
			}
		}
		if err := w.Insert(s.entries[i].key, value); err != nil {
			w.Abort()
			return nil, err
		}
		i = j
	}
	s.entries = s.entries[:0]
	s.memory = 0
	return w.Finish()
}

// Merge k-way merges readers into one, combining duplicate keys with merge.
// Values of equal keys are passed in reader order. The inputs are closed.
func Merge(opts Options, merge MergeFunc, readers ...*Reader) (*Reader, error) {
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	w, err := NewWriter(opts)
	if err != nil {
		return nil, err
	}
	err = MergeCursors(readers, merge, func(key, value []byte) error {
		return w.Insert(key, value)
	})
	if err != nil {
		w.Abort()
		return nil, err
	}
	return w.Finish()
}

// MergeCursors walks readers in merged key order, calling fn once per
// distinct key with the merged value.
func MergeCursors(readers []*Reader, merge MergeFunc, fn func(key, value []byte) error) error {
	h := make(cursorHeap, 0, len(readers))
	for i, r := range readers {
		c := r.Cursor()
		if c.Next() {
			h = append(h, &heapItem{cursor: c, order: i})
		} else if err := c.Err(); err != nil {
			return err
		}
	}
	heap.Init(&h)

	var key []byte
	values := make([][]byte, 0, len(readers))
	for h.Len() > 0 {
		key = append(key[:0], h[0].cursor.Key()...)
		values = values[:0]
		for h.Len() > 0 && bytes.Equal(h[0].cursor.Key(), key) {
			top := h[0]
			values = append(values, bytes.Clone(top.cursor.Value()))
			if top.cursor.Next() {
				heap.Fix(&h, 0)
			} else {
				if err := top.cursor.Err(); err != nil {
					return err
				}
				heap.Pop(&h)
			}
		}
		value := values[0]
		if len(values) > 1 {
			var err error
			if value, err = merge(key, values); err != nil {
				return fmt.Errorf("merging values of key %q: %w", key, err)
			}
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

type heapItem struct {
	cursor *Cursor
	order  int
}

type cursorHeap []*heapItem

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].cursor.Key(), h[j].cursor.Key()); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
