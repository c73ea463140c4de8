package spill

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// KeepFirst keeps the first inserted value.
func KeepFirst(_ []byte, values [][]byte) ([]byte, error) {
	return values[0], nil
}

// KeepLast keeps the last inserted value.
func KeepLast(_ []byte, values [][]byte) ([]byte, error) {
	return values[len(values)-1], nil
}

// UnionBitmaps unions serialized roaring bitmaps.
func UnionBitmaps(key []byte, values [][]byte) ([]byte, error) {
	acc := roaring.New()
	for _, v := range values {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return nil, fmt.Errorf("decoding bitmap of key %q: %w", key, err)
		}
		acc.Or(bm)
	}
	acc.RunOptimize()
	return acc.ToBytes()
}

