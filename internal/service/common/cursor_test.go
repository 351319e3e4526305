package common

import (
	"testing"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

func TestCursorRoundTrip(t *testing.T) {
	id := uuid.New()
	got, err := DecodeCursor(EncodeCursor(id))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got == nil || *got != id {
		t.Fatalf("expected %s, got %v", id, got)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	if _, err := DecodeCursor("not*base64"); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := DecodeCursor("AAAA"); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error for short token, got %v", err)
	}
	if got, err := DecodeCursor(""); err != nil || got != nil {
		t.Fatalf("empty token should mean no cursor, got %v %v", got, err)
	}
}
