package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careportal/careportal/internal/platform/apperr"
)

// Store persists subscriptions and their delivery log. Lookups of a missing
// subscription return *apperr.NotFoundError.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// List returns subscriptions newest first.
	List(ctx context.Context, limit, offset int) ([]*Subscription, int, error)
	// Update applies p in one atomic step and returns the updated
	// subscription.
	Update(ctx context.Context, id uuid.UUID, p Patch) (*Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListActiveForEvent(ctx context.Context, event Event) ([]*Subscription, error)

	// RecordFailure increments failure_count, stamps last_triggered_at and
	// deactivates the subscription once the count reaches threshold, all in
	// one atomic step. It returns the updated subscription.
	RecordFailure(ctx context.Context, id uuid.UUID, at time.Time, threshold int) (*Subscription, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error

	RecordDelivery(ctx context.Context, d *Delivery) error
	// ListDeliveries returns a subscription's attempts newest first.
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit, offset int) ([]*Delivery, int, error)
}

// Patch holds the owner-editable fields of a subscription. Nil fields are
// left alone. Failure bookkeeping is not part of a patch: the count is only
// cleared when Active is true and the stored subscription is inactive.
type Patch struct {
	URL         *string
	Description *string
	Events      []Event
	Active      *bool
	UpdatedAt   time.Time
}

// MemoryStore is a thread-safe Store for tests and single-process use.
// It hands out copies so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscription
	deliveries []*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*Subscription)}
}

func (s *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, apperr.NotFound("webhook", id.String())
	}
	return sub.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]*Subscription, int, error) {
	s.mu.RLock()
	all := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		all = append(all, sub.clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(all)
	total := len(all)
	if offset >= total {
		return []*Subscription{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, p Patch) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, apperr.NotFound("webhook", id.String())
	}
	if p.URL != nil {
		sub.URL = *p.URL
	}
	if p.Description != nil {
		sub.Description = *p.Description
	}
	if p.Events != nil {
		sub.Events = append([]Event(nil), p.Events...)
	}
	if p.Active != nil {
		if *p.Active && !sub.IsActive {
			sub.FailureCount = 0
		}
		sub.IsActive = *p.Active
	}
	sub.UpdatedAt = p.UpdatedAt
	return sub.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return apperr.NotFound("webhook", id.String())
	}
	delete(s.subs, id)
	return nil
}

func (s *MemoryStore) ListActiveForEvent(_ context.Context, event Event) ([]*Subscription, error) {
	s.mu.RLock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.IsActive && sub.Subscribes(event) {
			out = append(out, sub.clone())
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id uuid.UUID, at time.Time, threshold int) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, apperr.NotFound("webhook", id.String())
	}
	sub.FailureCount++
	t := at
	sub.LastTriggeredAt = &t
	sub.UpdatedAt = at
	if sub.FailureCount >= threshold {
		sub.IsActive = false
	}
	return sub.clone(), nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return apperr.NotFound("webhook", id.String())
	}
	t := at
	sub.LastTriggeredAt = &t
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	s.deliveries = append(s.deliveries, &c)
	return nil
}

func (s *MemoryStore) ListDeliveries(_ context.Context, webhookID uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Delivery
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if d := s.deliveries[i]; d.WebhookID == webhookID {
			c := *d
			filtered = append(filtered, &c)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func sortNewestFirst(subs []*Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID.String() > subs[j].ID.String()
		}
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
}
