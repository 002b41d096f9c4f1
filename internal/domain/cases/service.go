package cases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/pkg/pagination"
)

const maxTitleLen = 200

// Events receives every committed change. Implementations must not block the
// caller on outbound work.
type Events interface {
	CaseCreated(ctx context.Context, c *Case)
	CaseUpdated(ctx context.Context, c *Case, changes map[string]Change)
	CaseStatusChanged(ctx context.Context, c *Case, oldStatus, newStatus Status)
	CaseAssigned(ctx context.Context, c *Case, oldAssignee, newAssignee *string)
	CaseDeleted(ctx context.Context, c *Case)
}

type noEvents struct{}

func (noEvents) CaseCreated(context.Context, *Case)                       {}
func (noEvents) CaseUpdated(context.Context, *Case, map[string]Change)    {}
func (noEvents) CaseStatusChanged(context.Context, *Case, Status, Status) {}
func (noEvents) CaseAssigned(context.Context, *Case, *string, *string)    {}
func (noEvents) CaseDeleted(context.Context, *Case)                       {}

type Service struct {
	repo   Repository
	events Events
	now    func() time.Time
}

// NewService builds the service. A nil events sink drops notifications.
func NewService(repo Repository, events Events) *Service {
	if events == nil {
		events = noEvents{}
	}
	return &Service{repo: repo, events: events, now: time.Now}
}

type CreateInput struct {
	PatientID      uuid.UUID  `json:"patient_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Priority       Priority   `json:"priority"`
	AssignedTo     *string    `json:"assigned_to,omitempty"`
	CreatedBy      string     `json:"-"`
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperr.Validation("title", "required")
	}
	if len(title) > maxTitleLen {
		return "", apperr.Validation("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	return title, nil
}

func normalizeAssignee(a *string) *string {
	if a == nil {
		return nil
	}
	v := strings.TrimSpace(*a)
	if v == "" {
		return nil
	}
	return &v
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Case, error) {
	if in.PatientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "required")
	}
	title, err := validateTitle(in.Title)
	if err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, apperr.Validation("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, apperr.Validation("created_by", "required")
	}

	now := s.now().UTC()
	c := &Case{
		ID:             uuid.New(),
		PatientID:      in.PatientID,
		ConversationID: in.ConversationID,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Status:         StatusOpen,
		Priority:       in.Priority,
		AssignedTo:     normalizeAssignee(in.AssignedTo),
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.events.CaseCreated(ctx, c)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, page, limit int) ([]*Case, int, error) {
	if err := pagination.Validate(page, limit); err != nil {
		return nil, 0, apperr.Validation("page", err.Error())
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Validation("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	p := pagination.New(page, limit)
	return s.repo.List(ctx, f, p.Limit, p.Offset)
}

type UpdateInput struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Priority    *Priority `json:"priority"`
}

// Update edits the descriptive fields. Status and assignment have their own
// operations because they raise their own events.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Case, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := make(map[string]Change)
	if in.Title != nil {
		title, err := validateTitle(*in.Title)
		if err != nil {
			return nil, err
		}
		if title != c.Title {
			changes["title"] = Change{Old: c.Title, New: title}
			c.Title = title
		}
	}
	if in.Description != nil {
		d := strings.TrimSpace(*in.Description)
		if d != c.Description {
			changes["description"] = Change{Old: c.Description, New: d}
			c.Description = d
		}
	}
	if in.Priority != nil {
		if !in.Priority.Valid() {
			return nil, apperr.Validation("priority", fmt.Sprintf("unknown priority %q", *in.Priority))
		}
		if *in.Priority != c.Priority {
			changes["priority"] = Change{Old: c.Priority, New: *in.Priority}
			c.Priority = *in.Priority
		}
	}
	if len(changes) == 0 {
		return c, nil
	}

	c.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	s.events.CaseUpdated(ctx, c, changes)
	return c, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Case, error) {
	if !status.Valid() {
		return nil, apperr.Validation("status", fmt.Sprintf("unknown status %q", status))
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == status {
		return c, nil
	}
	if !c.Status.CanMoveTo(status) {
		return nil, apperr.Validation("status", fmt.Sprintf("cannot move from %s to %s", c.Status, status))
	}

	old := c.Status
	c.Status = status
	c.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	s.events.CaseStatusChanged(ctx, c, old, status)
	return c, nil
}

// Assign sets or clears the assignee. An empty assignee unassigns.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, assignee string) (*Case, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := normalizeAssignee(&assignee)
	if equalAssignee(c.AssignedTo, next) {
		return c, nil
	}

	old := c.AssignedTo
	c.AssignedTo = next
	c.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	s.events.CaseAssigned(ctx, c, old, next)
	return c, nil
}

func equalAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.events.CaseDeleted(ctx, c)
	return nil
}
