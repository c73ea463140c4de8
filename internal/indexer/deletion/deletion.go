// Package deletion removes documents from an index, either softly by masking
// their ids or hard by purging them from every database.
package deletion

import (
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/kv"
)

// Strategy selects how documents are removed.
type Strategy uint8

const (
	// Soft moves ids to the soft-deleted set. Postings keep them until the
	// set outgrows the live documents, at which point everything is purged.
	Soft Strategy = iota
	// AlwaysHard purges ids from every database right away.
	AlwaysHard
)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "soft":
		return Soft, nil
	case "always-hard", "hard":
		return AlwaysHard, nil
	default:
		return Soft, fmt.Errorf("unknown deletion strategy %q", s)
	}
}

func (s Strategy) String() string {
	if s == AlwaysHard {
		return "always-hard"
	}
	return "soft"
}

// Options configures a deletion.
// The field distribution is left alone: the transform accounts for the
// fields of removed and replaced documents.
type Options struct {
	Strategy Strategy
}

// Result reports a deletion.
type Result struct {
	DeletedDocuments   uint64
	RemainingDocuments uint64
	// Purged is true when ids were removed from the databases.
	Purged bool
}

// DeleteDocuments removes the given document ids. Ids that are not live are
// ignored.
func DeleteDocuments(w kv.Writer, idx *index.Index, docids *roaring.Bitmap, opts Options) (Result, error) {
	logger := slog.Default().With("component", "deletion", "index", idx.UID())
	live, err := idx.DocumentsIDs(w)
	if err != nil {
		return Result{}, err
	}
	targets := roaring.And(live, docids)
	if targets.IsEmpty() {
		return Result{RemainingDocuments: live.GetCardinality()}, nil
	}
	it := targets.Iterator()
	for it.HasNext() {
		if err := idx.DeleteExternalID(w, it.Next()); err != nil {
			return Result{}, fmt.Errorf("deleting external ids: %w", err)
		}
	}
	live.AndNot(targets)
	if err := idx.PutDocumentsIDs(w, live); err != nil {
		return Result{}, err
	}

	soft, err := idx.SoftDeletedDocumentsIDs(w)
	if err != nil {
		return Result{}, err
	}
	soft.Or(targets)
	res := Result{DeletedDocuments: targets.GetCardinality(), RemainingDocuments: live.GetCardinality()}

	if opts.Strategy == Soft && soft.GetCardinality() <= live.GetCardinality() {
		if err := idx.PutSoftDeletedDocumentsIDs(w, soft); err != nil {
			return Result{}, err
		}
		logger.Debug("documents soft deleted", "deleted", res.DeletedDocuments, "soft_deleted", soft.GetCardinality())
		return res, nil
	}

	if err := Purge(w, idx, soft); err != nil {
		return Result{}, err
	}
	if err := idx.PutSoftDeletedDocumentsIDs(w, roaring.New()); err != nil {
		return Result{}, err
	}
	res.Purged = true
	logger.Debug("documents purged", "deleted", res.DeletedDocuments, "purged", soft.GetCardinality())
	return res, nil
}

// Purge removes docids from every database. The caller updates the live
// and soft-deleted sets.
func Purge(w kv.Writer, idx *index.Index, docids *roaring.Bitmap) error {
	if docids.IsEmpty() {
		return nil
	}
	for _, db := range index.BitmapDatabases {
		if err := purgeBitmaps(w, db, docids); err != nil {
			return fmt.Errorf("purging %s: %w", index.DatabaseName(db), err)
		}
	}
	for _, db := range index.FieldDocidKeyedDatabases {
		if err := purgeFieldDocid(w, db, docids); err != nil {
			return fmt.Errorf("purging %s: %w", index.DatabaseName(db), err)
		}
	}
	it := docids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		if err := idx.DeleteExternalID(w, docid); err != nil {
			return err
		}
		for _, db := range index.DocidKeyedDatabases {
			if err := deletePrefix(w, db, index.DocidKey(docid)); err != nil {
				return fmt.Errorf("purging %s: %w", index.DatabaseName(db), err)
			}
		}
	}
	geo, err := idx.GeoFacetedDocumentsIDs(w)
	if err != nil {
		return err
	}
	geo.AndNot(docids)
	return idx.PutGeoFacetedDocumentsIDs(w, geo)
}

func purgeBitmaps(w kv.Writer, db kv.Database, docids *roaring.Bitmap) error {
	type update struct {
		key []byte
		bm  *roaring.Bitmap
	}
	var updates []update
	it, err := w.Iter(db, nil)
	if err != nil {
		return err
	}
	for it.Next() {
		bm, err := index.DecodeBitmap(it.Value())
		if err != nil {
			it.Close()
			return err
		}
		if !bm.Intersects(docids) {
			continue
		}
		bm.AndNot(docids)
		updates = append(updates, update{key: append([]byte(nil), it.Key()...), bm: bm})
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := index.PutBitmap(w, db, u.key, u.bm); err != nil {
			return err
		}
	}
	return nil
}

func purgeFieldDocid(w kv.Writer, db kv.Database, docids *roaring.Bitmap) error {
	var doomed [][]byte
	it, err := w.Iter(db, nil)
	if err != nil {
		return err
	}
	for it.Next() {
		_, docid, err := index.DecodeFieldDocid(it.Key())
		if err != nil {
			it.Close()
			return err
		}
		if docids.Contains(docid) {
			doomed = append(doomed, append([]byte(nil), it.Key()...))
		}
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	for _, key := range doomed {
		if err := w.Delete(db, key); err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(w kv.Writer, db kv.Database, prefix []byte) error {
	var doomed [][]byte
	it, err := w.Iter(db, prefix)
	if err != nil {
		return err
	}
	for it.Next() {
		doomed = append(doomed, append([]byte(nil), it.Key()...))
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return err
	}
	for _, key := range doomed {
		if err := w.Delete(db, key); err != nil {
			return err
		}
	}
	return nil
}
