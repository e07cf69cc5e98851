package search

import (
	"errors"
	"fmt"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/engine/lang"
)

// Kind classifies a failed search for callers.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindTranslationFailed    Kind = "translation_failed"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindRetrievalFailed      Kind = "retrieval_failed"
	KindGenerationFailed     Kind = "generation_failed"
	KindTimeout              Kind = "timeout"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrInvalidRequest       = domain.ErrInvalidQuery
	ErrTranslationFailed    = lang.ErrTranslationFailed
	ErrEmbeddingUnavailable = errors.New("search: embedding unavailable")
	ErrRetrievalFailed      = errors.New("search: retrieval failed")
	ErrGenerationFailed     = errors.New("search: generation failed")
	ErrTimeout              = errors.New("search: timed out")

	// Non-fatal conditions; logged, never returned from Search.
	ErrDetectionAmbiguous = lang.ErrDetectionAmbiguous
	ErrRecordingFailed    = errors.New("search: recording failed")
)

var kindSentinels = map[Kind]error{
	KindInvalidRequest:       ErrInvalidRequest,
	KindTranslationFailed:    ErrTranslationFailed,
	KindEmbeddingUnavailable: ErrEmbeddingUnavailable,
	KindRetrievalFailed:      ErrRetrievalFailed,
	KindGenerationFailed:     ErrGenerationFailed,
	KindTimeout:              ErrTimeout,
}

// Error is the single failure type returned by Service.Search.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("search: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Upstream reports whether a remote dependency failed, as opposed to the
// request being invalid.
func (e *Error) Upstream() bool {
	return e.Kind != KindInvalidRequest
}

// KindOf returns the kind of a search error, or "" for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
