package common

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/acme/voice-campaign-orchestrator/pkg/errors"
)

// EncodeCursor renders a keyset position as an opaque URL-safe token.
func EncodeCursor(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token means "from the start".
func DecodeCursor(token string) (*uuid.UUID, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", apperrors.ErrValidation)
	}
	id, err := uuid.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", apperrors.ErrValidation)
	}
	return &id, nil
}
