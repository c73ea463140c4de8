package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
)

// ErrBadKey is returned when a database key cannot be decoded.
var ErrBadKey = errors.New("malformed database key")

// DocidKey encodes a document id as a big-endian key.
func DocidKey(id uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, id)
}

// DecodeDocid decodes the leading document id of key.
func DecodeDocid(key []byte) (uint32, error) {
	if len(key) < 4 {
		return 0, ErrBadKey
	}
	return binary.BigEndian.Uint32(key), nil
}

// WordPairProximityKey is [proximity][word1 \0 word2].
func WordPairProximityKey(proximity uint8, w1, w2 string) []byte {
	out := make([]byte, 0, 2+len(w1)+len(w2))
	out = append(out, proximity)
	out = append(out, w1...)
	out = append(out, 0)
	return append(out, w2...)
}

// DecodeWordPairProximityKey splits a word pair proximity key.
func DecodeWordPairProximityKey(key []byte) (uint8, string, string, error) {
	if len(key) < 2 {
		return 0, "", "", ErrBadKey
	}
	rest := key[1:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return 0, "", "", ErrBadKey
	}
	return key[0], string(rest[:i]), string(rest[i+1:]), nil
}

// WordPositionKey is word \0 position (uint32 big-endian).
func WordPositionKey(word string, position uint32) []byte {
	out := make([]byte, 0, len(word)+5)
	out = append(out, word...)
	out = append(out, 0)
	return binary.BigEndian.AppendUint32(out, position)
}

// DecodeWordPositionKey splits a word position key.
func DecodeWordPositionKey(key []byte) (string, uint32, error) {
	if len(key) < 5 || key[len(key)-5] != 0 {
		return "", 0, ErrBadKey
	}
	return string(key[:len(key)-5]), binary.BigEndian.Uint32(key[len(key)-4:]), nil
}

// WordFidKey is word \0 field id (uint16 big-endian).
func WordFidKey(word string, fid obkv.FieldID) []byte {
	out := make([]byte, 0, len(word)+3)
	out = append(out, word...)
	out = append(out, 0)
	return binary.BigEndian.AppendUint16(out, fid)
}

// DecodeWordFidKey splits a word field id key.
func DecodeWordFidKey(key []byte) (string, obkv.FieldID, error) {
	if len(key) < 3 || key[len(key)-3] != 0 {
		return "", 0, ErrBadKey
	}
	return string(key[:len(key)-3]), binary.BigEndian.Uint16(key[len(key)-2:]), nil
}

// FieldIDWordCountKey is field id then word count.
func FieldIDWordCountKey(fid obkv.FieldID, count uint8) []byte {
	return append(binary.BigEndian.AppendUint16(nil, fid), count)
}

// FieldIDKey encodes a field id alone.
func FieldIDKey(fid obkv.FieldID) []byte {
	return binary.BigEndian.AppendUint16(nil, fid)
}

// DecodeFieldID decodes the leading field id of key.
func DecodeFieldID(key []byte) (obkv.FieldID, error) {
	if len(key) < 2 {
		return 0, ErrBadKey
	}
	return binary.BigEndian.Uint16(key), nil
}

// FacetStringKey is field id, level, normalized value.
func FacetStringKey(fid obkv.FieldID, level uint8, value string) []byte {
	out := binary.BigEndian.AppendUint16(nil, fid)
	out = append(out, level)
	return append(out, value...)
}

// FacetF64Key is field id, level, order-preserving float encoding.
func FacetF64Key(fid obkv.FieldID, level uint8, value float64) []byte {
	out := binary.BigEndian.AppendUint16(nil, fid)
	out = append(out, level)
	return binary.BigEndian.AppendUint64(out, EncodeF64(value))
}

// FieldDocidFacetStringKey is field id, document id, normalized value.
func FieldDocidFacetStringKey(fid obkv.FieldID, docid uint32, value string) []byte {
	out := binary.BigEndian.AppendUint16(nil, fid)
	out = binary.BigEndian.AppendUint32(out, docid)
	return append(out, value...)
}

// FieldDocidFacetF64Key is field id, document id, order-preserving float.
func FieldDocidFacetF64Key(fid obkv.FieldID, docid uint32, value float64) []byte {
	out := binary.BigEndian.AppendUint16(nil, fid)
	out = binary.BigEndian.AppendUint32(out, docid)
	return binary.BigEndian.AppendUint64(out, EncodeF64(value))
}

// DecodeFieldDocid decodes the field id and document id prefix of key.
func DecodeFieldDocid(key []byte) (obkv.FieldID, uint32, error) {
	if len(key) < 6 {
		return 0, 0, ErrBadKey
	}
	return binary.BigEndian.Uint16(key), binary.BigEndian.Uint32(key[2:]), nil
}

// VectorKey is document id then vector index.
func VectorKey(docid uint32, index uint16) []byte {
	out := binary.BigEndian.AppendUint32(nil, docid)
	return binary.BigEndian.AppendUint16(out, index)
}

// EncodeF64 maps a float64 to a uint64 whose big-endian bytes sort like the
// float.
func EncodeF64(f float64) uint64 {
	bits := math.Float64bits(f)
	if f >= 0 {
		return bits | (1 << 63)
	}
	return ^bits
}

// DecodeF64 reverses EncodeF64.
func DecodeF64(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}
