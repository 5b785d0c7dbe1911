package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrKindString(t *testing.T) {
	cases := map[ErrKind]string{
		ErrSourceUnavailable: "SourceUnavailable",
		ErrMalformed:         "Malformed",
		ErrDecoderFailure:    "DecoderFailure",
		ErrSinkFailure:       "SinkFailure",
		ErrStateStoreFailure: "StateStoreFailure",
		ErrCancelled:         "Cancelled",
		ErrConfigError:       "ConfigError",
		ErrKind(99):          "Unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("ErrKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestNewErrorWrapsCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewError(ErrSourceUnavailable, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause through Unwrap")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestNewDecoderFailureCarriesContext(t *testing.T) {
	err := NewDecoderFailure(DecoderId(42), "tx:1:2", fmt.Errorf("bad payload"))
	if err.Kind != ErrDecoderFailure {
		t.Fatalf("expected ErrDecoderFailure, got %s", err.Kind)
	}
	if err.DecoderID != 42 || err.EventRef != "tx:1:2" {
		t.Fatalf("decoder failure missing context: %+v", err)
	}
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestKindOfUnclassifiedErrorDefaultsToMalformed(t *testing.T) {
	if got := KindOf(fmt.Errorf("plain error")); got != ErrMalformed {
		t.Fatalf("expected ErrMalformed for unclassified error, got %s", got)
	}
}

func TestKindOfFindsWrappedEngineError(t *testing.T) {
	inner := NewError(ErrSinkFailure, fmt.Errorf("sink exploded"))
	outer := fmt.Errorf("processing batch: %w", inner)
	if got := KindOf(outer); got != ErrSinkFailure {
		t.Fatalf("expected ErrSinkFailure through wrapping, got %s", got)
	}
}

func TestKindOfNilErrorIsMalformed(t *testing.T) {
	if got := KindOf(nil); got != ErrMalformed {
		t.Fatalf("expected ErrMalformed for nil error, got %s", got)
	}
}
