// Package progress defines the steps an indexing run reports to its caller.
package progress

// Step is one progress report. Total is zero when it is not known yet.
type Step interface {
	Name() string
	Current() uint64
	Total() uint64
}

// Func receives progress steps. It must not block.
type Func func(Step)

// Noop discards every step.
func Noop(Step) {}

type RemapDocumentAddition struct {
	DocumentsSeen uint64
}

func (s RemapDocumentAddition) Name() string   { return "remap_document_addition" }
func (s RemapDocumentAddition) Current() uint64 { return s.DocumentsSeen }
func (s RemapDocumentAddition) Total() uint64   { return 0 }

type ComputeIdsAndMergeDocuments struct {
	DocumentsSeen  uint64
	TotalDocuments uint64
}

func (s ComputeIdsAndMergeDocuments) Name() string   { return "compute_ids_and_merge_documents" }
func (s ComputeIdsAndMergeDocuments) Current() uint64 { return s.DocumentsSeen }
func (s ComputeIdsAndMergeDocuments) Total() uint64   { return s.TotalDocuments }

type IndexDocuments struct {
	DocumentsSeen  uint64
	TotalDocuments uint64
}

func (s IndexDocuments) Name() string   { return "index_documents" }
func (s IndexDocuments) Current() uint64 { return s.DocumentsSeen }
func (s IndexDocuments) Total() uint64   { return s.TotalDocuments }

type MergeDataIntoFinalDatabase struct {
	DatabasesSeen  uint64
	TotalDatabases uint64
}

func (s MergeDataIntoFinalDatabase) Name() string   { return "merge_data_into_final_database" }
func (s MergeDataIntoFinalDatabase) Current() uint64 { return s.DatabasesSeen }
func (s MergeDataIntoFinalDatabase) Total() uint64   { return s.TotalDatabases }

// Recorder collects steps, for tests and for callers that poll.
type Recorder struct {
	Steps []Step
}

func (r *Recorder) Record(s Step) {
	r.Steps = append(r.Steps, s)
}

// Last returns the last recorded step with the given name.
func (r *Recorder) Last(name string) (Step, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Name() == name {
			return r.Steps[i], true
		}
	}
	return nil, false
}
