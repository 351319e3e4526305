package domain

import "fmt"

// TransitionReason explains why a campaign status change was refused.
type TransitionReason string

const (
	ReasonInvalidTransition   TransitionReason = "invalid_transition"
	ReasonUnknownStatus       TransitionReason = "unknown_status"
	ReasonAgentMissing        TransitionReason = "agent_missing"
	ReasonContactGroupMissing TransitionReason = "contact_group_missing"
	ReasonNoContacts          TransitionReason = "no_contacts"
)

// TransitionError is returned for every refused campaign status change.
type TransitionError struct {
	From   CampaignStatus
	To     CampaignStatus
	Reason TransitionReason
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign transition %s -> %s refused: %s", e.From, e.To, e.Reason)
}

// campaignTransitions is the only source of legal edges. Terminal states map to an empty set.
var campaignTransitions = map[CampaignStatus]map[CampaignStatus]struct{}{
	CampaignStatusDraft: {
		CampaignStatusScheduled: {},
		CampaignStatusActive:    {},
	},
	CampaignStatusScheduled: {
		CampaignStatusDraft:  {},
		CampaignStatusActive: {},
		CampaignStatusPaused: {},
		CampaignStatusFailed: {},
	},
	CampaignStatusActive: {
		CampaignStatusPaused:    {},
		CampaignStatusCompleted: {},
		CampaignStatusFailed:    {},
	},
	CampaignStatusPaused: {
		CampaignStatusActive:    {},
		CampaignStatusCompleted: {},
		CampaignStatusFailed:    {},
	},
	CampaignStatusFailed: {
		CampaignStatusDraft:  {},
		CampaignStatusActive: {},
	},
	CampaignStatusCompleted: {},
}

// IsKnown reports whether s is a declared campaign status.
func (s CampaignStatus) IsKnown() bool {
	_, ok := campaignTransitions[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s CampaignStatus) IsTerminal() bool {
	edges, ok := campaignTransitions[s]
	return ok && len(edges) == 0
}

// IsLive reports whether a campaign in s still holds its agent and contacts.
func (s CampaignStatus) IsLive() bool {
	switch s {
	case CampaignStatusScheduled, CampaignStatusActive, CampaignStatusPaused:
		return true
	}
	return false
}

// NextStatuses returns the legal targets from s.
func NextStatuses(from CampaignStatus) []CampaignStatus {
	var out []CampaignStatus
	for _, to := range AllCampaignStatuses {
		if _, ok := campaignTransitions[from][to]; ok {
			out = append(out, to)
		}
	}
	return out
}

// IsValidTransition is a pure table lookup.
func IsValidTransition(from, to CampaignStatus) bool {
	_, ok := campaignTransitions[from][to]
	return ok
}

// ValidateCampaignTransition checks the edge and the activation preconditions.
func ValidateCampaignTransition(c *Campaign, to CampaignStatus) *TransitionError {
	if !c.Status.IsKnown() || !to.IsKnown() {
		return &TransitionError{From: c.Status, To: to, Reason: ReasonUnknownStatus}
	}
	if !IsValidTransition(c.Status, to) {
		return &TransitionError{From: c.Status, To: to, Reason: ReasonInvalidTransition}
	}
	if to != CampaignStatusActive {
		return nil
	}

	switch {
	case c.AgentID == nil:
		return &TransitionError{From: c.Status, To: to, Reason: ReasonAgentMissing}
	case c.ContactGroupID == nil:
		return &TransitionError{From: c.Status, To: to, Reason: ReasonContactGroupMissing}
	case c.ContactCount <= 0:
		return &TransitionError{From: c.Status, To: to, Reason: ReasonNoContacts}
	}
	return nil
}

// CanEditCampaign reports whether agent and contact bindings may change.
func CanEditCampaign(status CampaignStatus) bool {
	return status == CampaignStatusDraft || status == CampaignStatusScheduled
}

// CanReassignAgent reports whether an agent that is bound to activeCampaignsCount other
// live campaigns may be bound to one more.
func CanReassignAgent(activeCampaignsCount int) bool {
	return activeCampaignsCount == 0
}
