package chat

import (
	"fmt"

	"github.com/careportal/careportal/internal/platform/apperr"
)

// TriageOutcome classifies how urgently a patient needs a human.
type TriageOutcome string

const (
	TriageSelfCare        TriageOutcome = "self_care"
	TriageScheduleRoutine TriageOutcome = "schedule_routine"
	TriageNeedsProvider   TriageOutcome = "needs_provider"
	TriageEmergency       TriageOutcome = "emergency"
)

// TriageOutcomes lists every outcome in increasing urgency.
var TriageOutcomes = []TriageOutcome{TriageSelfCare, TriageScheduleRoutine, TriageNeedsProvider, TriageEmergency}

func (o TriageOutcome) Valid() bool {
	for _, v := range TriageOutcomes {
		if o == v {
			return true
		}
	}
	return false
}

// RequiresProvider reports whether the outcome calls for a human provider.
func (o TriageOutcome) RequiresProvider() bool {
	return o == TriageNeedsProvider || o == TriageEmergency
}

// TriageDecision is a triage outcome with the model's confidence in it. It is
// only persisted inside handoff metadata.
type TriageDecision struct {
	Decision   TriageOutcome `json:"decision"`
	Confidence float64       `json:"confidence"`
}

func (d TriageDecision) Validate() error {
	if !d.Decision.Valid() {
		return apperr.Validation("triageDecision.decision", fmt.Sprintf("unknown triage outcome %q", d.Decision))
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return apperr.Validation("triageDecision.confidence", "must be within [0,1]")
	}
	return nil
}
