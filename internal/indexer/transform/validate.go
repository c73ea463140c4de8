package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/documents"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

const (
	// DefaultPrimaryKey is used when ids are autogenerated and nothing could
	// be inferred.
	DefaultPrimaryKey = "id"
	// GeoField holds a document's coordinates.
	GeoField = "_geo"
	// VectorsField holds a document's embeddings.
	VectorsField = "_vectors"

	maxDocumentIDLength = 511
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type canonicalField struct {
	name  string
	value []byte
}

type preparedDocument struct {
	external string
	fields   []canonicalField
}

// validatedBatch is a batch accepted by validate.
type validatedBatch struct {
	documents  []preparedDocument
	primaryKey string
	vectorDims int
	// newFields are the names, flattened ones included, that neither the
	// fields ids map nor an earlier batch registered.
	newFields  map[string]struct{}
}

// validate checks a whole batch without touching the transform.
func (t *Transform) validate(batch *documents.Batch, shouldAbort func() bool) (validatedBatch, error) {
	pk := t.primaryKey
	if pk == "" {
		var err error
		if pk, err = inferPrimaryKey(batch.FieldNames(), t.cfg.AutogenerateDocids); err != nil {
			return validatedBatch{}, err
		}
	}
	dims := t.vectorDims
	prepared := make([]preparedDocument, 0, batch.Len())
	newFields := make(map[string]struct{})
	register := func(name string) {
		if _, ok := t.fields.ID(name); ok {
			return
		}
		if _, ok := t.pendingFields[name]; ok {
			return
		}
		newFields[name] = struct{}{}
	}
	for _, doc := range batch.Documents {
		if shouldAbort != nil && shouldAbort() {
			return validatedBatch{}, apperrors.ErrAbortedIndexation
		}
		external, generated, err := t.documentID(doc, pk)
		if err != nil {
			return validatedBatch{}, err
		}
		p := preparedDocument{external: external}
		for _, f := range doc.Fields {
			v, err := documents.DecodeValue(f.Value)
			if err != nil {
				return validatedBatch{}, apperrors.Newf(apperrors.ErrInvalidDocumentFormat,
					"field `%s` of the document with the id: `%s` is not valid JSON", f.Name, external)
			}
			switch f.Name {
			case GeoField:
				if err := validateGeo(external, v); err != nil {
					return validatedBatch{}, err
				}
			case VectorsField:
				if dims, err = validateVectors(external, v, dims); err != nil {
					return validatedBatch{}, err
				}
			}
			canonical, err := documents.EncodeValue(v)
			if err != nil {
				return validatedBatch{}, apperrors.Internalf("encoding field %q: %v", f.Name, err)
			}
			p.fields = append(p.fields, canonicalField{name: f.Name, value: canonical})
			register(f.Name)
		}
		if generated {
			p.fields = append(p.fields, canonicalField{name: pk, value: quote(external)})
			register(pk)
		}
		if err := p.registerFlattened(register); err != nil {
			return validatedBatch{}, apperrors.Newf(apperrors.ErrInvalidDocumentFormat,
				"the document with the id: `%s` cannot be flattened: %v", external, err)
		}
		prepared = append(prepared, p)
	}
	if t.fields.Len()+len(t.pendingFields)+len(newFields) > math.MaxUint16+1 {
		return validatedBatch{}, apperrors.Newf(apperrors.ErrAttributeLimitReached,
			"a document cannot contain more than %d fields", math.MaxUint16+1)
	}
	return validatedBatch{documents: prepared, primaryKey: pk, vectorDims: dims, newFields: newFields}, nil
}

// registerFlattened passes every dotted name the document flattens to, with
// its ancestors, to register.
func (p preparedDocument) registerFlattened(register func(string)) error {
	doc := documents.Document{Fields: make([]documents.Field, len(p.fields))}
	nested := false
	for i, f := range p.fields {
		doc.Fields[i] = documents.Field{Name: f.name, Value: f.value}
		if len(f.value) > 0 && (f.value[0] == '{' || f.value[0] == '[') {
			nested = true
		}
	}
	if !nested {
		return nil
	}
	flat, err := documents.Flatten(doc)
	if err != nil {
		return err
	}
	for _, f := range flat {
		for _, ancestor := range documents.Ancestors(f.Name) {
			register(ancestor)
		}
		register(f.Name)
	}
	return nil
}

// inferPrimaryKey picks the only field whose name ends with "id".
func inferPrimaryKey(names []string, autogenerate bool) (string, error) {
	var candidates []string
	for _, name := range names {
		if strings.HasSuffix(strings.ToLower(name), "id") {
			candidates = append(candidates, name)
		}
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		if autogenerate {
			return DefaultPrimaryKey, nil
		}
		return "", apperrors.New(apperrors.ErrNoPrimaryKeyCandidate,
			"the primary key inference failed as no field ending with `id` was found")
	default:
		slices.Sort(candidates)
		err := apperrors.Newf(apperrors.ErrMultiplePrimaryKeyCandidates,
			"the primary key inference failed as %d fields ending with `id` were found", len(candidates))
		err.Candidates = candidates
		return "", err
	}
}

// documentID extracts and validates the external id of doc. generated is
// true when a new id was made up for a document without one.
func (t *Transform) documentID(doc documents.Document, pk string) (string, bool, error) {
	v, found, err := doc.Lookup(pk)
	if err != nil {
		return "", false, apperrors.Newf(apperrors.ErrInvalidDocumentFormat, "reading primary key `%s`: %v", pk, err)
	}
	if !found || v == nil {
		if t.cfg.AutogenerateDocids {
			return uuid.NewString(), true, nil
		}
		return "", false, apperrors.Newf(apperrors.ErrMissingDocumentID,
			"document doesn't have a `%s` attribute", pk)
	}
	external, ok := externalID(v)
	if !ok {
		raw, _ := documents.EncodeValue(v)
		return "", false, apperrors.Newf(apperrors.ErrInvalidDocumentID,
			"document identifier `%s` is invalid. A document identifier can be of type integer or string, "+
				"only composed of alphanumeric characters (a-z A-Z 0-9), hyphens (-) and underscores (_), "+
				"and can not be more than %d bytes", raw, maxDocumentIDLength+1)
	}
	return external, false, nil
}

// externalID renders a primary key value. Integers are rendered in decimal;
// strings must be non-empty, short and made of [A-Za-z0-9_-].
func externalID(v any) (string, bool) {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return "", false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return strconv.FormatInt(n, 10), true
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return strconv.FormatUint(n, 10), true
		}
		return "", false
	case string:
		if len(t) == 0 || len(t) > maxDocumentIDLength || !documentIDPattern.MatchString(t) {
			return "", false
		}
		return t, true
	default:
		return "", false
	}
}

func validateGeo(external string, v any) error {
	if v == nil {
		return nil
	}
	obj, ok := v.(documents.Object)
	if !ok {
		raw, _ := documents.EncodeValue(v)
		return apperrors.Newf(apperrors.ErrMalformedGeo,
			"The `_geo` field in the document with the id: `%s` is not an object. "+
				"Was expecting an object with the `_geo.lat` and `_geo.lng` fields but instead got `%s`.", external, raw)
	}
	lat, hasLat := obj.Get("lat")
	lng, hasLng := obj.Get("lng")
	if !hasLat {
		return apperrors.Newf(apperrors.ErrMissingLatitude,
			"Could not find latitude in the document with the id: `%s`. Was expecting a `_geo.lat` field.", external)
	}
	if !hasLng {
		return apperrors.Newf(apperrors.ErrMissingLongitude,
			"Could not find longitude in the document with the id: `%s`. Was expecting a `_geo.lng` field.", external)
	}
	if _, ok := ParseCoordinate(lat); !ok {
		raw, _ := documents.EncodeValue(lat)
		return apperrors.Newf(apperrors.ErrBadLatitude,
			"Could not parse latitude in the document with the id: `%s`. Was expecting a finite number but instead got `%s`.", external, raw)
	}
	if _, ok := ParseCoordinate(lng); !ok {
		raw, _ := documents.EncodeValue(lng)
		return apperrors.Newf(apperrors.ErrBadLongitude,
			"Could not parse longitude in the document with the id: `%s`. Was expecting a finite number but instead got `%s`.", external, raw)
	}
	return nil
}

// ParseCoordinate accepts a finite JSON number or a string holding one.
func ParseCoordinate(v any) (float64, bool) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func validateVectors(external string, v any, dims int) (int, error) {
	vectors, err := ParseVectors(v)
	if err != nil {
		return dims, apperrors.Newf(apperrors.ErrInvalidVectors,
			"the `_vectors` field in the document with the id: `%s` is not an array of numbers or an array of arrays of numbers: %v", external, err)
	}
	for _, vec := range vectors {
		if dims == 0 {
			dims = len(vec)
			continue
		}
		if len(vec) != dims {
			return dims, apperrors.Newf(apperrors.ErrInvalidVectorDimensions,
				"the document with the id: `%s` has a vector of %d dimensions, expected %d", external, len(vec), dims)
		}
	}
	return dims, nil
}

// ParseVectors decodes a `_vectors` value: null, one vector, or a list of
// vectors. Empty vectors are skipped.
func ParseVectors(v any) ([][]float32, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	if len(arr) == 0 {
		return nil, nil
	}
	if _, nested := arr[0].([]any); !nested {
		vec, err := parseVector(arr)
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}
	out := make([][]float32, 0, len(arr))
	for _, e := range arr {
		inner, ok := e.([]any)
		if !ok {
			return nil, fmt.Errorf("expected an array of arrays, found %T", e)
		}
		if len(inner) == 0 {
			continue
		}
		vec, err := parseVector(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func parseVector(arr []any) ([]float32, error) {
	vec := make([]float32, len(arr))
	for i, e := range arr {
		n, ok := e.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected a number at position %d, found %T", i, e)
		}
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("invalid number %s at position %d", n, i)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func quote(s string) []byte {
	b, _ := documents.EncodeValue(s)
	return b
}

// idAllocator hands out the smallest ids used neither by live nor by
// soft-deleted documents nor earlier in the transform.
type idAllocator struct {
	used   *roaring.Bitmap
	cursor uint32
}

func newIDAllocator(idx *index.Index, r kv.Reader) (*idAllocator, error) {
	live, err := idx.DocumentsIDs(r)
	if err != nil {
		return nil, fmt.Errorf("loading documents ids: %w", err)
	}
	soft, err := idx.SoftDeletedDocumentsIDs(r)
	if err != nil {
		return nil, fmt.Errorf("loading soft deleted documents ids: %w", err)
	}
	return &idAllocator{used: roaring.Or(live, soft)}, nil
}

func (a *idAllocator) next() uint32 {
	for a.used.Contains(a.cursor) {
		a.cursor++
	}
	id := a.cursor
	a.used.Add(id)
	a.cursor++
	return id
}
