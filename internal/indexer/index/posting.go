package index

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
)

// EncodeBitmap serializes a postings bitmap.
func EncodeBitmap(bm *roaring.Bitmap) ([]byte, error) {
	bm.RunOptimize()
	return bm.ToBytes()
}

// DecodeBitmap deserializes a postings bitmap. Empty input is an empty bitmap.
func DecodeBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding postings bitmap: %w", err)
	}
	return bm, nil
}

// GetBitmap reads the raw bitmap stored under key, empty when absent.
func GetBitmap(r kv.Reader, db kv.Database, key []byte) (*roaring.Bitmap, error) {
	data, err := r.Get(db, key)
	if err != nil {
		return nil, err
	}
	return DecodeBitmap(data)
}

// PutBitmap stores bm under key, deleting the key when bm is empty.
func PutBitmap(w kv.Writer, db kv.Database, key []byte, bm *roaring.Bitmap) error {
	if bm.IsEmpty() {
		return w.Delete(db, key)
	}
	data, err := EncodeBitmap(bm)
	if err != nil {
		return fmt.Errorf("encoding postings bitmap: %w", err)
	}
	return w.Put(db, key, data)
}

// UnionBitmap unions bm into the bitmap stored under key.
func UnionBitmap(w kv.Writer, db kv.Database, key []byte, bm *roaring.Bitmap) error {
	existing, err := GetBitmap(w, db, key)
	if err != nil {
		return err
	}
	existing.Or(bm)
	return PutBitmap(w, db, key, existing)
}

// UnionEncoded unions an encoded bitmap into the bitmap stored under key.
func UnionEncoded(w kv.Writer, db kv.Database, key, encoded []byte) error {
	existing, err := w.Get(db, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return w.Put(db, key, encoded)
	}
	acc, err := DecodeBitmap(existing)
	if err != nil {
		return err
	}
	bm, err := DecodeBitmap(encoded)
	if err != nil {
		return err
	}
	acc.Or(bm)
	return PutBitmap(w, db, key, acc)
}
