package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/careportal/careportal/internal/platform/apperr"
)

// AccessLevel names who may currently respond in a conversation.
type AccessLevel string

const (
	AccessAI       AccessLevel = "ai"
	AccessBoth     AccessLevel = "both"
	AccessProvider AccessLevel = "provider"
)

func (l AccessLevel) Valid() bool {
	return l == AccessAI || l == AccessBoth || l == AccessProvider
}

// rank orders levels so transitions can only move upward.
func (l AccessLevel) rank() int {
	switch l {
	case AccessBoth:
		return 1
	case AccessProvider:
		return 2
	}
	return 0
}

// AccessState is the coordinator's view of AccessLevel.
type AccessState string

const (
	StateAIOnly       AccessState = "AI_ONLY"
	StateBoth         AccessState = "BOTH"
	StateProviderOnly AccessState = "PROVIDER_ONLY"
)

// Access is stored as JSON on the conversation row.
type Access struct {
	CanAccess        AccessLevel `json:"canAccess"`
	ProviderID       string      `json:"providerId,omitempty"`
	HandoffTimestamp *time.Time  `json:"handoffTimestamp,omitempty"`
}

func (a Access) State() AccessState {
	switch a.CanAccess {
	case AccessBoth:
		return StateBoth
	case AccessProvider:
		return StateProviderOnly
	}
	return StateAIOnly
}

// AutomationAllowed reports whether the intake agent may still reply.
func (a Access) AutomationAllowed() bool {
	return a.State() != StateProviderOnly
}

// handoffTarget picks the access level a handoff asks for.
func handoffTarget(h HandoffMetadata) AccessLevel {
	if h.HandoffStatus == HandoffAccepted || h.HandoffStatus == HandoffCompleted {
		return AccessProvider
	}
	if h.TriageDecision.Decision == TriageEmergency {
		return AccessProvider
	}
	return AccessBoth
}

// ApplyHandoff moves access toward the provider named in h. Access never moves
// back toward automation here; that only happens through Release. It reports
// whether the conversation changed.
func (c *Conversation) ApplyHandoff(h HandoffMetadata, now time.Time) (bool, error) {
	providerID := strings.TrimSpace(h.ProviderID)
	if providerID == "" {
		return false, apperr.Validation("providerId", "required for handoff")
	}
	if c.Status == ConversationArchived {
		return false, apperr.Validation("status", "conversation is archived")
	}
	if c.Access.ProviderID != "" && c.Access.ProviderID != providerID {
		return false, apperr.Validation("providerId",
			fmt.Sprintf("conversation is already held by provider %s", c.Access.ProviderID))
	}

	level := c.Access.CanAccess
	if target := handoffTarget(h); target.rank() > level.rank() {
		level = target
	}

	changed := level != c.Access.CanAccess || c.Access.ProviderID != providerID ||
		c.AssignedStaffID == nil || *c.AssignedStaffID != providerID
	if !changed {
		return false, nil
	}

	ts := c.Access.HandoffTimestamp
	if c.Access.State() == StateAIOnly || ts == nil {
		at := now.UTC()
		ts = &at
	}
	c.Access = Access{CanAccess: level, ProviderID: providerID, HandoffTimestamp: ts}
	staff := providerID
	c.AssignedStaffID = &staff
	return true, nil
}

// Release returns the conversation to automation. This is the only way access
// moves back to AI_ONLY.
func (c *Conversation) Release() bool {
	if c.Access.State() == StateAIOnly && c.AssignedStaffID == nil {
		return false
	}
	c.Access = Access{CanAccess: AccessAI}
	c.AssignedStaffID = nil
	return true
}

// CheckInvariants verifies that access and staff assignment agree.
func (c *Conversation) CheckInvariants() error {
	if !c.Access.CanAccess.Valid() {
		return fmt.Errorf("conversation %s: unknown access level %q", c.ID, c.Access.CanAccess)
	}
	switch c.Access.CanAccess {
	case AccessAI:
		if c.Access.ProviderID != "" {
			return fmt.Errorf("conversation %s: ai access with provider %s", c.ID, c.Access.ProviderID)
		}
		if c.AssignedStaffID != nil {
			return fmt.Errorf("conversation %s: ai access with assigned staff %s", c.ID, *c.AssignedStaffID)
		}
	default:
		if c.Access.ProviderID == "" {
			return fmt.Errorf("conversation %s: %s access without provider", c.ID, c.Access.CanAccess)
		}
		if c.AssignedStaffID == nil || *c.AssignedStaffID != c.Access.ProviderID {
			return fmt.Errorf("conversation %s: assigned staff does not match provider %s", c.ID, c.Access.ProviderID)
		}
	}
	return nil
}
