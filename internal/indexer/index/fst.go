package index

import (
	"bytes"
	"fmt"

	"github.com/blevesearch/vellum"
)

// BuildFST encodes keys, which must be sorted and unique, as an automaton.
func BuildFST(keys [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	b, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("creating automaton builder: %w", err)
	}
	for _, k := range keys {
		if err := b.Insert(k, 0); err != nil {
			return nil, fmt.Errorf("inserting %q into automaton: %w", k, err)
		}
	}
	if err := b.Close(); err != nil {
		return nil, fmt.Errorf("closing automaton builder: %w", err)
	}
	return buf.Bytes(), nil
}
