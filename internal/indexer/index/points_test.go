package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoPointEncoding(t *testing.T) {
	p := NewGeoPoint(48.8566, 2.3522)
	back, err := DecodeGeoPoint(EncodeGeoPoint(p))
	require.NoError(t, err)
	assert.Equal(t, p, back)

	_, err = DecodeGeoPoint([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestToECEF(t *testing.T) {
	northPole := ToECEF(90, 0)
	assert.InDelta(t, 0, northPole[0], 1e-6)
	assert.InDelta(t, 0, northPole[1], 1e-6)
	assert.InDelta(t, 1, northPole[2], 1e-6)

	meridian := ToECEF(0, 0)
	assert.InDelta(t, 1, meridian[0], 1e-6)
	assert.InDelta(t, 0, meridian[2], 1e-6)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0.25, -1, 3.5}
	back, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, back)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestRebuildWordsFST(t *testing.T) {
	idx := newTestIndex(t)
	txn, err := idx.WriteTxn()
	require.NoError(t, err)
	defer txn.Abort()

	for _, w := range []string{"zebra", "apple"} {
		require.NoError(t, txn.Put(WordDocids, []byte(w), []byte{1}))
	}
	for _, w := range []string{"apple", "mango"} {
		require.NoError(t, txn.Put(ExactWordDocids, []byte(w), []byte{1}))
	}
	require.NoError(t, idx.RebuildWordsFST(txn))

	words, err := idx.Words(txn)
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, words)
}
