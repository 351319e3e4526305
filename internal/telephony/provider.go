package telephony

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRejected is returned when the provider refuses to place a call.
var ErrRejected = errors.New("telephony: call rejected")

// CallRequest asks the provider to dial one number. Metadata is echoed back on every
// webhook for the call and carries attempt_id or session_id.
type CallRequest struct {
	AttemptID       *uuid.UUID
	SessionID       *uuid.UUID
	CampaignID      uuid.UUID
	PhoneNumber     string
	ProviderAgentID string
	Metadata        map[string]string
}

// CallResult is the provider's acknowledgement. Lifecycle facts arrive later via webhooks.
type CallResult struct {
	ExternalCallID string
}

// Provider abstracts the telephony integration.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (CallResult, error)
}
