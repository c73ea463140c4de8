package index

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
)

// RebuildWordsFST rewrites the words automaton from the keys of the word and
// exact word databases.
func (idx *Index) RebuildWordsFST(w kv.Writer) error {
	var words [][]byte
	for _, db := range []kv.Database{WordDocids, ExactWordDocids} {
		it, err := w.Iter(db, nil)
		if err != nil {
			return err
		}
		for it.Next() {
			words = append(words, bytes.Clone(it.Key()))
		}
		err = it.Err()
		it.Close()
		if err != nil {
			return fmt.Errorf("scanning %s: %w", DatabaseName(db), err)
		}
	}
	slices.SortFunc(words, bytes.Compare)
	words = slices.CompactFunc(words, bytes.Equal)
	fst, err := BuildFST(words)
	if err != nil {
		return err
	}
	return idx.PutWordsFST(w, fst)
}
