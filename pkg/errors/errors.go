// Package errors defines the sentinel errors and the failure taxonomy used
// across the resolution pipeline. Every error falls into one of four kinds:
// input errors (skipped and counted), transient remote-service errors
// (retried, then downgraded), parse errors (treated like exhausted
// transients), and durability errors (fatal to the owning tier).
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMention      = errors.New("mention text is empty")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrSnapshotNotFound  = errors.New("no checkpoint snapshot")
	ErrSnapshotVersion   = errors.New("unsupported snapshot version")
	ErrCorruptRecord     = errors.New("corrupt durable record")
	ErrReviewUnavailable = errors.New("remote reasoning service unavailable")
	ErrUnparseableReply  = errors.New("unparseable reviewer reply")
)

// Kind classifies a pipeline failure for recovery-policy purposes.
type Kind int

const (
	KindInput Kind = iota
	KindTransient
	KindParse
	KindDurability
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindTransient:
		return "transient"
	case KindParse:
		return "parse"
	case KindDurability:
		return "durability"
	default:
		return "unknown"
	}
}

// PipelineError wraps an underlying error with its taxonomy Kind and the
// operation that produced it.
type PipelineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Err.Error())
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy Kind of err. Errors that do not carry an
// explicit kind are conservatively treated as durability failures, since
// silently continuing risks duplicate or lost entities.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyMention), errors.Is(err, ErrUnknownEntityType):
		return KindInput
	case errors.Is(err, ErrReviewUnavailable):
		return KindTransient
	case errors.Is(err, ErrUnparseableReply):
		return KindParse
	default:
		return KindDurability
	}
}

// IsFatal reports whether err must stop the tier that observed it rather
// than be recovered locally.
func IsFatal(err error) bool {
	return KindOf(err) == KindDurability
}
