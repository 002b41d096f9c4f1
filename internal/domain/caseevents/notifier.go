// Package caseevents turns case changes into webhook events. Each method
// shapes the payload data for one event name and hands it to the dispatcher
// on a background task, so case operations never wait on subscribers.
package caseevents

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/cases"
	"github.com/careportal/careportal/internal/platform/webhook"
)

// Dispatcher fans an event out to its subscribers.
type Dispatcher interface {
	TriggerWebhooks(ctx context.Context, event webhook.Event, data any) ([]webhook.DeliveryResult, error)
}

// Runner starts tracked background work.
type Runner interface {
	Go(name string, fn func(ctx context.Context)) error
}

type CreatedData struct {
	Case cases.Case `json:"case"`
}

type UpdatedData struct {
	Case    cases.Case              `json:"case"`
	Changes map[string]cases.Change `json:"changes"`
}

type StatusChangedData struct {
	CaseID    uuid.UUID    `json:"caseId"`
	OldStatus cases.Status `json:"oldStatus"`
	NewStatus cases.Status `json:"newStatus"`
	Case      cases.Case   `json:"case"`
}

type AssignedData struct {
	CaseID      uuid.UUID  `json:"caseId"`
	OldAssignee *string    `json:"oldAssignee"`
	NewAssignee *string    `json:"newAssignee"`
	Case        cases.Case `json:"case"`
}

type DeletedData struct {
	CaseID uuid.UUID  `json:"caseId"`
	Case   cases.Case `json:"case"`
}

// Notifier implements cases.Events.
type Notifier struct {
	dispatcher Dispatcher
	runner     Runner
	logger     zerolog.Logger
}

var _ cases.Events = (*Notifier)(nil)

func NewNotifier(dispatcher Dispatcher, runner Runner, logger zerolog.Logger) *Notifier {
	return &Notifier{dispatcher: dispatcher, runner: runner, logger: logger}
}

// snapshot copies c so later edits by the caller do not leak into a payload
// that is still being built.
func snapshot(c *cases.Case) cases.Case {
	s := *c
	if c.AssignedTo != nil {
		v := *c.AssignedTo
		s.AssignedTo = &v
	}
	if c.ConversationID != nil {
		v := *c.ConversationID
		s.ConversationID = &v
	}
	return s
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (n *Notifier) CaseCreated(ctx context.Context, c *cases.Case) {
	n.dispatch(webhook.EventCaseCreated, c.ID, CreatedData{Case: snapshot(c)})
}

func (n *Notifier) CaseUpdated(ctx context.Context, c *cases.Case, changes map[string]cases.Change) {
	cp := make(map[string]cases.Change, len(changes))
	for k, v := range changes {
		cp[k] = v
	}
	n.dispatch(webhook.EventCaseUpdated, c.ID, UpdatedData{Case: snapshot(c), Changes: cp})
}

func (n *Notifier) CaseStatusChanged(ctx context.Context, c *cases.Case, oldStatus, newStatus cases.Status) {
	n.dispatch(webhook.EventCaseStatusChanged, c.ID, StatusChangedData{
		CaseID:    c.ID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Case:      snapshot(c),
	})
}

func (n *Notifier) CaseAssigned(ctx context.Context, c *cases.Case, oldAssignee, newAssignee *string) {
	n.dispatch(webhook.EventCaseAssigned, c.ID, AssignedData{
		CaseID:      c.ID,
		OldAssignee: copyString(oldAssignee),
		NewAssignee: copyString(newAssignee),
		Case:        snapshot(c),
	})
}

func (n *Notifier) CaseDeleted(ctx context.Context, c *cases.Case) {
	n.dispatch(webhook.EventCaseDeleted, c.ID, DeletedData{CaseID: c.ID, Case: snapshot(c)})
}

func (n *Notifier) dispatch(event webhook.Event, caseID uuid.UUID, data any) {
	err := n.runner.Go("webhooks."+string(event), func(ctx context.Context) {
		if _, err := n.dispatcher.TriggerWebhooks(ctx, event, data); err != nil {
			n.logger.Error().Err(err).
				Str("event", string(event)).
				Str("case_id", caseID.String()).
				Msg("webhook fan-out failed")
		}
	})
	if err != nil {
		n.logger.Warn().Err(err).
			Str("event", string(event)).
			Str("case_id", caseID.String()).
			Msg("webhook fan-out not scheduled")
	}
}
