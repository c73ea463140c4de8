package index

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

// FieldsIdsMap is the append-only bijection between field names and ids.
type FieldsIdsMap struct {
	names []string
	ids   map[string]obkv.FieldID
}

func NewFieldsIdsMap() *FieldsIdsMap {
	return &FieldsIdsMap{ids: make(map[string]obkv.FieldID)}
}

// Insert returns the id of name, assigning the next free id when new.
func (m *FieldsIdsMap) Insert(name string) (obkv.FieldID, error) {
	if id, ok := m.ids[name]; ok {
		return id, nil
	}
	if len(m.names) > math.MaxUint16 {
		return 0, apperrors.Newf(apperrors.ErrAttributeLimitReached,
			"a document cannot contain more than %d fields", math.MaxUint16+1)
	}
	id := obkv.FieldID(len(m.names))
	m.names = append(m.names, name)
	m.ids[name] = id
	return id, nil
}

// ID returns the id of name.
func (m *FieldsIdsMap) ID(name string) (obkv.FieldID, bool) {
	id, ok := m.ids[name]
	return id, ok
}

// Name returns the name of id.
func (m *FieldsIdsMap) Name(id obkv.FieldID) (string, bool) {
	if int(id) >= len(m.names) {
		return "", false
	}
	return m.names[id], true
}

// Len returns the number of fields.
func (m *FieldsIdsMap) Len() int {
	return len(m.names)
}

// Names returns the field names in id order.
func (m *FieldsIdsMap) Names() []string {
	return append([]string(nil), m.names...)
}

// Clone returns an independent copy.
func (m *FieldsIdsMap) Clone() *FieldsIdsMap {
	c := &FieldsIdsMap{
		names: append([]string(nil), m.names...),
		ids:   make(map[string]obkv.FieldID, len(m.ids)),
	}
	for k, v := range m.ids {
		c.ids[k] = v
	}
	return c
}

func (m *FieldsIdsMap) MarshalJSON() ([]byte, error) {
	if m.names == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.names)
}

func (m *FieldsIdsMap) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("decoding fields ids map: %w", err)
	}
	m.names = names
	m.ids = make(map[string]obkv.FieldID, len(names))
	for i, n := range names {
		m.ids[n] = obkv.FieldID(i)
	}
	return nil
}
