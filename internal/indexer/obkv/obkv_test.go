package obkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAndGet(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Insert(0, []byte(`1`)))
	require.NoError(t, b.Insert(3, []byte(`"kevin"`)))
	require.NoError(t, b.Insert(7, []byte(`{"lat":1,"lng":2}`)))
	assert.Error(t, b.Insert(7, []byte(`null`)))
	doc := b.Bytes()

	v, err := doc.Get(3)
	require.NoError(t, err)
	assert.Equal(t, `"kevin"`, string(v))

	v, err = doc.Get(4)
	require.NoError(t, err)
	assert.Nil(t, v)

	fields, err := doc.Fields()
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, FieldID(7), fields[2].ID)
}

func TestFromMapOrdersFields(t *testing.T) {
	doc := FromMap(map[FieldID][]byte{
		9: []byte(`true`),
		1: []byte(`"a"`),
		4: []byte(`[]`),
	})
	var ids []FieldID
	require.NoError(t, doc.Each(func(id FieldID, _ []byte) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []FieldID{1, 4, 9}, ids)

	m, err := doc.ToMap()
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(m[4]))
}

func TestMalformedDocument(t *testing.T) {
	_, err := Document{0x00}.Fields()
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Document{0x00, 0x01, 0x05, 'a'}.Fields()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEmptyDocument(t *testing.T) {
	doc := NewBuilder().Bytes()
	fields, err := doc.Fields()
	require.NoError(t, err)
	assert.Empty(t, fields)
}
