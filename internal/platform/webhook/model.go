package webhook

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is a registered receiver. Secret never leaves the server
// except in the response to Register.
type Subscription struct {
	ID              uuid.UUID  `json:"id"`
	URL             string     `json:"url"`
	Secret          string     `json:"-"`
	Description     string     `json:"description,omitempty"`
	Events          []Event    `json:"events"`
	IsActive        bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Subscribes reports whether s wants event.
func (s *Subscription) Subscribes(event Event) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.Events = append([]Event(nil), s.Events...)
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// DeliveryStatus classifies one attempt.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// Delivery is the log row written for every attempt, skipped ones included.
type Delivery struct {
	ID         uuid.UUID      `json:"id"`
	WebhookID  uuid.UUID      `json:"webhook_id"`
	PayloadID  uuid.UUID      `json:"payload_id"`
	Event      Event          `json:"event"`
	Status     DeliveryStatus `json:"status"`
	StatusCode int            `json:"status_code"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// DeliveryResult is what a caller learns about one attempt.
type DeliveryResult struct {
	WebhookID   uuid.UUID      `json:"webhook_id"`
	DeliveryID  uuid.UUID      `json:"delivery_id"`
	Status      DeliveryStatus `json:"status"`
	StatusCode  int            `json:"status_code"`
	Error       string         `json:"error,omitempty"`
	Deactivated bool           `json:"deactivated,omitempty"`

	err error
}

func (r DeliveryResult) Success() bool { return r.Status == DeliverySuccess }

// Err returns the typed cause of a failed or skipped attempt.
func (r DeliveryResult) Err() error { return r.err }
