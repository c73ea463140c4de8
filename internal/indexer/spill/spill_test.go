package spill

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *Reader) map[string]string {
	t.Helper()
	out := make(map[string]string)
	var last string
	c := r.Cursor()
	first := true
	for c.Next() {
		k := string(c.Key())
		if !first {
			require.Greater(t, k, last, "keys must be strictly increasing")
		}
		first = false
		last = k
		out[k] = string(c.Value())
	}
	require.NoError(t, c.Err())
	return out
}

func TestWriterReaderRoundTripAllCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			for _, dir := range []string{"", t.TempDir()} {
				w, err := NewWriter(Options{Codec: codec, TempDir: dir})
				require.NoError(t, err)
				want := make(map[string]string)
				for i := 0; i < 20000; i++ {
					k := fmt.Sprintf("key-%06d", i)
					v := fmt.Sprintf("value of %d repeated repeated repeated", i)
					require.NoError(t, w.Insert([]byte(k), []byte(v)))
					want[k] = v
				}
				r, err := w.Finish()
				require.NoError(t, err)
				assert.Equal(t, uint64(20000), r.Len())
				assert.Equal(t, "key-019999", string(r.LastKey()))
				assert.Equal(t, codec, r.Codec())
				assert.Equal(t, want, readAll(t, r))
				require.NoError(t, r.Close())
			}
		})
	}
}

func TestWriterRejectsUnsortedKeys(t *testing.T) {
	w, err := NewWriter(Options{})
	require.NoError(t, err)
	defer w.Abort()
	require.NoError(t, w.Insert([]byte("b"), nil))
	assert.ErrorIs(t, w.Insert([]byte("a"), nil), ErrUnsortedKey)
	assert.ErrorIs(t, w.Insert([]byte("b"), nil), ErrUnsortedKey)
}

func TestEmptyReader(t *testing.T) {
	w, err := NewWriter(Options{Codec: CodecSnappy})
	require.NoError(t, err)
	r, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Len())
	assert.Nil(t, r.LastKey())
	assert.False(t, r.Cursor().Next())
}

func TestCorruptedBlockIsDetected(t *testing.T) {
	w, err := NewWriter(Options{})
	require.NoError(t, err)
	mem := w.mem
	require.NoError(t, w.Insert([]byte("hello"), []byte("world")))
	_, err = w.Finish()
	require.NoError(t, err)

	buf := append([]byte(nil), mem.buf...)
	buf[HeaderSize+5] ^= 0xff
	r, err := newReader(bytesReaderAt(buf), int64(len(buf)), nil)
	require.NoError(t, err)
	c := r.Cursor()
	assert.False(t, c.Next())
	assert.ErrorIs(t, c.Err(), ErrCorrupted)
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, b[off:]), nil
}

func TestConcurrentCursors(t *testing.T) {
	w, err := NewWriter(Options{Codec: CodecZstd, TempDir: t.TempDir()})
	require.NoError(t, err)
	for i := 0; i < 5000; i++ {
		require.NoError(t, w.Insert([]byte(fmt.Sprintf("%08d", i)), []byte("x")))
	}
	r, err := w.Finish()
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := r.Cursor()
			for c.Next() {
				counts[i]++
			}
		}(i)
	}
	wg.Wait()
	for _, n := range counts {
		assert.Equal(t, 5000, n)
	}
}

// concatValues joins the values of a key in insertion order.
func concatValues(_ []byte, values [][]byte) ([]byte, error) {
	var out []byte
	for _, v := range values {
		out = append(out, v...)
	}
	return out, nil
}

func TestSorterSpillsAndMerges(t *testing.T) {
	opts := Options{Codec: CodecSnappy, TempDir: t.TempDir(), MaxMemory: 4 << 10, MaxNbChunks: 3}
	s := NewSorter(opts, concatValues)

	rng := rand.New(rand.NewSource(7))
	want := make(map[string]string)
	for i := 0; i < 3000; i++ {
		k := fmt.Sprintf("k%03d", rng.Intn(400))
		v := fmt.Sprintf("%d,", i)
		require.NoError(t, s.Insert([]byte(k), []byte(v)))
		want[k] += v
	}
	r, err := s.Finish()
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, want, readAll(t, r), "values of a key are merged in insertion order")
}

func TestSorterKeepLast(t *testing.T) {
	s := NewSorter(Options{MaxMemory: 64}, KeepLast)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert([]byte("same"), []byte(fmt.Sprint(i))))
	}
	r, err := s.Finish()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"same": "9"}, readAll(t, r))
}

func TestUnionBitmaps(t *testing.T) {
	a, err := roaring.BitmapOf(1, 2).ToBytes()
	require.NoError(t, err)
	b, err := roaring.BitmapOf(2, 9).ToBytes()
	require.NoError(t, err)
	out, err := UnionBitmaps([]byte("k"), [][]byte{a, b})
	require.NoError(t, err)
	bm := roaring.New()
	require.NoError(t, bm.UnmarshalBinary(out))
	assert.Equal(t, []uint32{1, 2, 9}, bm.ToArray())
}

func TestIntoChunksAndSplitLike(t *testing.T) {
	opts := Options{Codec: CodecLZ4}
	build := func(n int, value string) *Reader {
		w, err := NewWriter(opts)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, w.Insert([]byte(fmt.Sprintf("%04d", i)), []byte(value)))
		}
		r, err := w.Finish()
		require.NoError(t, err)
		return r
	}

	chunks, err := IntoChunks(build(100, "0123456789"), 140, opts)
	require.NoError(t, err)
	require.Len(t, chunks, 10)
	total := 0
	for _, c := range chunks {
		total += int(c.Len())
	}
	assert.Equal(t, 100, total)

	split, err := SplitLike(build(100, "big value"), chunks, opts)
	require.NoError(t, err)
	require.Len(t, split, len(chunks))
	for i := range chunks {
		assert.Equal(t, chunks[i].Len(), split[i].Len())
		assert.Equal(t, chunks[i].LastKey(), split[i].LastKey())
	}
}
