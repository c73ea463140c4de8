package extract

import (
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/chunk"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/obkv"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/spill"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/transform"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/errors"
)

// extractGeo reads _geo.lat and _geo.lng from a flattened chunk. Documents
// come in id order so the writer can be fed directly.
func (e *Extractor) extractGeo(r *spill.Reader) ([]chunk.TypedChunk, error) {
	w, err := spill.NewWriter(e.params.Spill)
	if err != nil {
		return nil, err
	}
	err = e.eachDocument(r, func(docid uint32, doc obkv.Document) error {
		latRaw, err := doc.Get(e.latID)
		if err != nil {
			return apperrors.Internalf("reading latitude of document %d: %v", docid, err)
		}
		lngRaw, err := doc.Get(e.lngID)
		if err != nil {
			return apperrors.Internalf("reading longitude of document %d: %v", docid, err)
		}
		if latRaw == nil || lngRaw == nil {
			return nil
		}
		latValue, err := decodeField("_geo.lat", latRaw)
		if err != nil {
			return err
		}
		lngValue, err := decodeField("_geo.lng", lngRaw)
		if err != nil {
			return err
		}
		lat, okLat := transform.ParseCoordinate(latValue)
		lng, okLng := transform.ParseCoordinate(lngValue)
		if !okLat || !okLng {
			return apperrors.Internalf("document %d has invalid coordinates", docid)
		}
		return w.Insert(index.DocidKey(docid), index.EncodeGeoPoint(index.NewGeoPoint(lat, lng)))
	})
	if err != nil {
		w.Abort()
		return nil, err
	}
	reader, err := w.Finish()
	if err != nil {
		return nil, err
	}
	return []chunk.TypedChunk{chunk.GeoPoints{Reader: reader}}, nil
}

// extractDocuments emits the vectors of an original chunk, then hands the
// chunk itself over as the Documents fragment.
func (e *Extractor) extractDocuments(r *spill.Reader) ([]chunk.TypedChunk, error) {
	if !e.vectors {
		return []chunk.TypedChunk{chunk.Documents{Reader: r}}, nil
	}
	w, err := spill.NewWriter(e.params.Spill)
	if err != nil {
		r.Close()
		return nil, err
	}
	dims := 0
	err = e.eachDocument(r, func(docid uint32, doc obkv.Document) error {
		raw, err := doc.Get(e.vectorsID)
		if err != nil {
			return apperrors.Internalf("reading vectors of document %d: %v", docid, err)
		}
		if raw == nil {
			return nil
		}
		v, err := decodeField(vectorsField, raw)
		if err != nil {
			return err
		}
		vectors, err := transform.ParseVectors(v)
		if err != nil {
			return apperrors.Internalf("document %d: %v", docid, err)
		}
		for i, vec := range vectors {
			if dims == 0 {
				dims = len(vec)
			}
			if err := w.Insert(index.VectorKey(docid, uint16(i)), index.EncodeVector(vec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		w.Abort()
		r.Close()
		return nil, err
	}
	reader, err := w.Finish()
	if err != nil {
		r.Close()
		return nil, err
	}
	return []chunk.TypedChunk{
		chunk.VectorPoints{Reader: reader, Dimensions: dims},
		chunk.Documents{Reader: r},
	}, nil
}
