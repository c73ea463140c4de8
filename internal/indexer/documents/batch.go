// Package documents holds document batches as submitted by callers: parsing
// from a JSON array or NDJSON with field order preserved, nested path lookup,
// and flattening of nested objects into dotted fields.
package documents

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

// Field is one top-level field of a document.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Document is a flat list of top-level fields in submission order.
type Document struct {
	Fields []Field
}

// Get returns the raw value of a top-level field.
func (d Document) Get(name string) (json.RawMessage, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces or appends a top-level field.
func (d *Document) Set(name string, value json.RawMessage) {
	for i, f := range d.Fields {
		if f.Name == name {
			d.Fields[i].Value = value
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: value})
}

// Lookup resolves a possibly nested path such as "a.b.c". The path may be
// split across nested objects and dotted keys in any way.
func (d Document) Lookup(path string) (any, bool, error) {
	for _, f := range d.Fields {
		if f.Name == path {
			v, err := DecodeValue(f.Value)
			return v, err == nil, err
		}
		if strings.HasPrefix(path, f.Name+".") {
			v, err := DecodeValue(f.Value)
			if err != nil {
				return nil, false, err
			}
			if obj, ok := v.(Object); ok {
				if found, ok := lookupObject(obj, path[len(f.Name)+1:]); ok {
					return found, true, nil
				}
			}
		}
	}
	return nil, false, nil
}

func lookupObject(obj Object, path string) (any, bool) {
	for _, m := range obj {
		if m.Key == path {
			return m.Value, true
		}
		if strings.HasPrefix(path, m.Key+".") {
			if inner, ok := m.Value.(Object); ok {
				if found, ok := lookupObject(inner, path[len(m.Key)+1:]); ok {
					return found, true
				}
			}
		}
	}
	return nil, false
}

// Batch is an ordered sequence of documents.
type Batch struct {
	Documents []Document
}

// Len returns the number of documents.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Documents)
}

// FieldNames returns the top-level field catalogue of the batch in order of
// first appearance.
func (b *Batch) FieldNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, d := range b.Documents {
		for _, f := range d.Fields {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			names = append(names, f.Name)
		}
	}
	return names
}

// ParseString parses a JSON array or NDJSON payload.
func ParseString(s string) (*Batch, error) {
	return Parse(strings.NewReader(s))
}

// Parse reads a JSON array of objects, a single object, or NDJSON.
func Parse(r io.Reader) (*Batch, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return &Batch{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading documents: %w", err)
	}
	dec := json.NewDecoder(br)
	batch := &Batch{}
	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return nil, formatError(err)
		}
		for dec.More() {
			doc, err := decodeDocument(dec)
			if err != nil {
				return nil, err
			}
			batch.Documents = append(batch.Documents, doc)
		}
		if _, err := dec.Token(); err != nil {
			return nil, formatError(err)
		}
		return batch, nil
	}
	for {
		doc, err := decodeDocument(dec)
		if err == io.EOF {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		batch.Documents = append(batch.Documents, doc)
	}
}

func decodeDocument(dec *json.Decoder) (Document, error) {
	tok, err := dec.Token()
	if err == io.EOF {
		return Document{}, io.EOF
	}
	if err != nil {
		return Document{}, formatError(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return Document{}, apperrors.Newf(apperrors.ErrInvalidDocumentFormat, "expected a JSON object, found %v", tok)
	}
	var doc Document
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Document{}, formatError(err)
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return Document{}, formatError(err)
		}
		doc.Set(key, raw)
	}
	if _, err := dec.Token(); err != nil {
		return Document{}, formatError(err)
	}
	return doc, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

func formatError(err error) error {
	return apperrors.Newf(apperrors.ErrInvalidDocumentFormat, "malformed JSON payload: %v", err)
}
