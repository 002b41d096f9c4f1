package webhook

import (
	"fmt"
	"strings"

	"github.com/careportal/careportal/internal/platform/apperr"
)

// Event names are a stable wire contract with subscribers.
type Event string

const (
	EventCaseCreated       Event = "case.created"
	EventCaseUpdated       Event = "case.updated"
	EventCaseStatusChanged Event = "case.status_changed"
	EventCaseAssigned      Event = "case.assigned"
	EventCaseDeleted       Event = "case.deleted"
)

// Events lists every event a subscription may ask for.
var Events = []Event{
	EventCaseCreated,
	EventCaseUpdated,
	EventCaseStatusChanged,
	EventCaseAssigned,
	EventCaseDeleted,
}

func (e Event) Valid() bool {
	for _, v := range Events {
		if e == v {
			return true
		}
	}
	return false
}

// ParseEvents validates names and returns them deduplicated, in request order.
func ParseEvents(names []string) ([]Event, error) {
	if len(names) == 0 {
		return nil, apperr.Validation("events", "at least one event is required")
	}
	seen := make(map[Event]bool, len(names))
	out := make([]Event, 0, len(names))
	for _, n := range names {
		e := Event(strings.TrimSpace(n))
		if !e.Valid() {
			return nil, apperr.Validation("events", fmt.Sprintf("unknown event %q", n))
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}
