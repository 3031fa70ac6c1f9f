package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"explicit kind", New(KindTransient, "review.call", stderrors.New("timeout")), KindTransient},
		{"wrapped explicit kind", fmt.Errorf("outer: %w", New(KindParse, "review.parse", stderrors.New("bad"))), KindParse},
		{"empty mention sentinel", ErrEmptyMention, KindInput},
		{"unknown type sentinel", ErrUnknownEntityType, KindInput},
		{"service unavailable sentinel", ErrReviewUnavailable, KindTransient},
		{"unparseable sentinel", ErrUnparseableReply, KindParse},
		{"unclassified error", stderrors.New("disk on fire"), KindDurability},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(New(KindTransient, "op", stderrors.New("x"))) {
		t.Error("transient errors are not fatal")
	}
	if IsFatal(ErrEmptyMention) {
		t.Error("input errors are not fatal")
	}
	if !IsFatal(New(KindDurability, "op", stderrors.New("x"))) {
		t.Error("durability errors are fatal")
	}
	if !IsFatal(stderrors.New("mystery")) {
		t.Error("unclassified errors must be treated as fatal")
	}
}

func TestPipelineErrorUnwrap(t *testing.T) {
	inner := ErrCorruptRecord
	err := New(KindDurability, "checkpoint.load", fmt.Errorf("line 4: %w", inner))
	if !stderrors.Is(err, inner) {
		t.Fatal("sentinel lost through wrapping")
	}
	if got := err.Error(); got == "" {
		t.Fatal("empty error string")
	}
}
