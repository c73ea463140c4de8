package documents

import (
	"fmt"
	"strings"
)

// FlatField is one field of a flattened document.
type FlatField struct {
	Name  string
	Value any
}

type flattener struct {
	fields []FlatField
	pos    map[string]int
	// collected marks fields whose value is an array built by flattening.
	collected map[string]bool
}

// Flatten expands nested objects into dotted leaf fields. Arrays of objects
// are merged into arrays under each dotted path, nested arrays are
// concatenated, and empty objects and arrays are kept as values.
func Flatten(doc Document) ([]FlatField, error) {
	f := &flattener{pos: make(map[string]int), collected: make(map[string]bool)}
	for _, field := range doc.Fields {
		v, err := DecodeValue(field.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding field %q: %w", field.Name, err)
		}
		f.insert(field.Name, v, false)
	}
	return f.fields, nil
}

func (f *flattener) insert(key string, v any, inArray bool) {
	switch t := v.(type) {
	case Object:
		if len(t) == 0 {
			if !inArray {
				f.put(key, Object{}, false)
			}
			return
		}
		for _, m := range t {
			f.insert(key+"."+m.Key, m.Value, inArray)
		}
	case []any:
		if len(t) == 0 {
			if _, ok := f.pos[key]; !ok {
				f.fields = append(f.fields, FlatField{Name: key, Value: []any{}})
				f.pos[key] = len(f.fields) - 1
				f.collected[key] = true
			}
			return
		}
		for _, e := range t {
			f.insert(key, e, true)
		}
	default:
		f.put(key, v, inArray)
	}
}

func (f *flattener) put(key string, v any, inArray bool) {
	i, ok := f.pos[key]
	if !ok {
		if inArray {
			f.fields = append(f.fields, FlatField{Name: key, Value: []any{v}})
			f.collected[key] = true
		} else {
			f.fields = append(f.fields, FlatField{Name: key, Value: v})
		}
		f.pos[key] = len(f.fields) - 1
		return
	}
	if f.collected[key] {
		f.fields[i].Value = append(f.fields[i].Value.([]any), v)
		return
	}
	f.fields[i].Value = []any{f.fields[i].Value, v}
	f.collected[key] = true
}

// Ancestors returns the strict ancestor paths of a dotted field name,
// shortest first.
func Ancestors(name string) []string {
	var out []string
	for i := 0; i < len(name); i++ {
		if name[i] == '.' && i > 0 {
			out = append(out, name[:i])
		}
	}
	return out
}

// IsNested reports whether name is a dotted path.
func IsNested(name string) bool {
	return strings.Contains(name, ".")
}
