// Package errors defines the indexing error taxonomy: user errors that leave
// the pipeline reusable, internal errors that poison it, and the cooperative
// cancellation error.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoPrimaryKeyCandidate        = errors.New("no primary key candidate found")
	ErrMultiplePrimaryKeyCandidates = errors.New("multiple primary key candidates found")
	ErrMissingDocumentID            = errors.New("missing document id")
	ErrInvalidDocumentID            = errors.New("invalid document id")
	ErrMissingLatitude              = errors.New("missing latitude")
	ErrMissingLongitude             = errors.New("missing longitude")
	ErrBadLatitude                  = errors.New("bad latitude")
	ErrBadLongitude                 = errors.New("bad longitude")
	ErrMalformedGeo                 = errors.New("malformed geo field")
	ErrAttributeLimitReached        = errors.New("attribute limit reached")
	ErrInvalidVectorDimensions      = errors.New("invalid vector dimensions")
	ErrInvalidVectors               = errors.New("invalid vectors")
	ErrInvalidDocumentFormat        = errors.New("invalid document format")

	ErrInternal          = errors.New("internal error")
	ErrAbortedIndexation = errors.New("indexation aborted")
	ErrInvalidState      = errors.New("indexing builder is in an invalid state after a previous failure")
)

// UserError is an error caused by the submitted documents. The indexing
// builder stays usable after one.
type UserError struct {
	Err        error
	Message    string
	Candidates []string
}

func (e *UserError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("%s: %s (candidates: %s)", e.Err.Error(), e.Message, strings.Join(e.Candidates, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *UserError {
	return &UserError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *UserError {
	return &UserError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// Internalf wraps ErrInternal with context.
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// IsUserError reports whether err carries a *UserError.
func IsUserError(err error) bool {
	var userErr *UserError
	return errors.As(err, &userErr)
}

// AsUserError extracts the *UserError from err, if any.
func AsUserError(err error) (*UserError, bool) {
	var userErr *UserError
	ok := errors.As(err, &userErr)
	return userErr, ok
}

// IsAborted reports whether err is the cooperative cancellation error.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAbortedIndexation)
}

// Code returns a stable machine-readable code for err, used in task status
// rows and completion events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoPrimaryKeyCandidate):
		return "index_primary_key_no_candidate_found"
	case errors.Is(err, ErrMultiplePrimaryKeyCandidates):
		return "index_primary_key_multiple_candidates_found"
	case errors.Is(err, ErrMissingDocumentID):
		return "missing_document_id"
	case errors.Is(err, ErrInvalidDocumentID):
		return "invalid_document_id"
	case errors.Is(err, ErrMissingLatitude), errors.Is(err, ErrMissingLongitude),
		errors.Is(err, ErrBadLatitude), errors.Is(err, ErrBadLongitude),
		errors.Is(err, ErrMalformedGeo):
		return "invalid_document_geo_field"
	case errors.Is(err, ErrAttributeLimitReached):
		return "max_fields_limit_exceeded"
	case errors.Is(err, ErrInvalidVectorDimensions), errors.Is(err, ErrInvalidVectors):
		return "invalid_vectors"
	case errors.Is(err, ErrInvalidDocumentFormat):
		return "malformed_payload"
	case errors.Is(err, ErrAbortedIndexation):
		return "aborted"
	default:
		return "internal"
	}
}
