// Package webhook registers third-party receivers for case events and
// delivers signed payloads to them. Each subscription is rate limited per
// URL and deactivates itself after repeated failures.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/ratelimit"
)

const (
	DefaultFailureThreshold = 10
	minSecretLen            = 32
	maxSecretLen            = 256
	maxDescriptionLen       = 500
)

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithLimiter replaces the default in-memory per-URL limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithFailureThreshold sets how many failed deliveries deactivate a subscription.
func WithFailureThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithLogger sets the logger for delivery outcomes and deactivations.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides time.Now for timestamps and payloads.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns registration and delivery.
type Manager struct {
	store      Store
	limiter    ratelimit.Limiter
	httpClient *http.Client
	threshold  int
	logger     zerolog.Logger
	now        func() time.Time
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		limiter:    ratelimit.NewFixedWindow(ratelimit.DefaultConfig()),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		threshold:  DefaultFailureThreshold,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// RegisterInput is a request to create a subscription. An empty Secret is
// replaced by a generated one.
type RegisterInput struct {
	URL         string
	Secret      string
	Description string
	Events      []string
	CreatedBy   string
}

// UpdateInput changes a subscription. Nil fields are left alone. Setting
// IsActive to true reactivates the subscription and clears its failure count.
type UpdateInput struct {
	URL         *string
	Description *string
	Events      []string
	IsActive    *bool
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Validation("url", "required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", apperr.Validation("url", "not a valid URL")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return "", apperr.Validation("url", "must use https")
	}
	if u.Host == "" {
		return "", apperr.Validation("url", "host is required")
	}
	return raw, nil
}

func validateSecret(secret string) error {
	n := utf8.RuneCountInString(secret)
	if n < minSecretLen || n > maxSecretLen {
		return apperr.Validation("secret", fmt.Sprintf("must be between %d and %d characters", minSecretLen, maxSecretLen))
	}
	return nil
}

func validateDescription(d string) (string, error) {
	d = strings.TrimSpace(d)
	if utf8.RuneCountInString(d) > maxDescriptionLen {
		return "", apperr.Validation("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLen))
	}
	return d, nil
}

// Register validates in and stores a new active subscription.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*Subscription, error) {
	u, err := validateURL(in.URL)
	if err != nil {
		return nil, err
	}
	secret := in.Secret
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	} else if err := validateSecret(secret); err != nil {
		return nil, err
	}
	events, err := ParseEvents(in.Events)
	if err != nil {
		return nil, err
	}
	desc, err := validateDescription(in.Description)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, apperr.Validation("created_by", "required")
	}

	now := m.now().UTC()
	sub := &Subscription{
		ID:          uuid.New(),
		URL:         u,
		Secret:      secret,
		Description: desc,
		Events:      events,
		IsActive:    true,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, sub); err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("webhook_id", sub.ID.String()).
		Str("url", sub.URL).
		Str("created_by", sub.CreatedBy).
		Msg("webhook registered")
	return sub, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	return m.store.List(ctx, limit, offset)
}

func (m *Manager) Deliveries(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Delivery, int, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return m.store.ListDeliveries(ctx, id, limit, offset)
}

func (m *Manager) owned(ctx context.Context, id uuid.UUID, principal string) (*Subscription, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.CreatedBy != principal {
		return nil, &apperr.ForbiddenError{Reason: "only the creator may manage this webhook"}
	}
	return sub, nil
}

// Update applies in to a subscription owned by principal. Only the fields
// in names are written, so deliveries failing meanwhile keep their count.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, principal string, in UpdateInput) (*Subscription, error) {
	if _, err := m.owned(ctx, id, principal); err != nil {
		return nil, err
	}
	patch := Patch{Active: in.IsActive, UpdatedAt: m.now().UTC()}
	if in.URL != nil {
		u, err := validateURL(*in.URL)
		if err != nil {
			return nil, err
		}
		patch.URL = &u
	}
	if in.Description != nil {
		d, err := validateDescription(*in.Description)
		if err != nil {
			return nil, err
		}
		patch.Description = &d
	}
	if in.Events != nil {
		events, err := ParseEvents(in.Events)
		if err != nil {
			return nil, err
		}
		patch.Events = events
	}
	sub, err := m.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if in.IsActive != nil {
		m.logger.Info().Str("webhook_id", id.String()).Bool("is_active", sub.IsActive).
			Int("failure_count", sub.FailureCount).Msg("webhook activation changed")
	}
	return sub, nil
}

// Delete removes a subscription owned by principal.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, principal string) error {
	if _, err := m.owned(ctx, id, principal); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info().Str("webhook_id", id.String()).Msg("webhook deleted")
	return nil
}

// Deliver sends p to the subscription with the given id.
func (m *Manager) Deliver(ctx context.Context, id uuid.UUID, p *Payload) (DeliveryResult, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return DeliveryResult{}, err
	}
	return m.DeliverTo(ctx, sub, p), nil
}

// DeliverTo makes one attempt to deliver p to sub. Inactive and rate-limited
// subscriptions are skipped without an outbound request. Every attempt is
// written to the delivery log.
func (m *Manager) DeliverTo(ctx context.Context, sub *Subscription, p *Payload) DeliveryResult {
	res := DeliveryResult{WebhookID: sub.ID, DeliveryID: uuid.New()}
	log := m.logger.With().
		Str("webhook_id", sub.ID.String()).
		Str("event", string(p.Event())).
		Str("payload_id", p.ID().String()).
		Logger()

	if !sub.IsActive {
		res.Status = DeliverySkipped
		res.Error = "webhook is inactive"
		log.Debug().Str("outcome", "skipped").Msg("webhook inactive")
		m.recordDelivery(ctx, p, res, 0)
		return res
	}

	allowed, err := m.limiter.Allow(ctx, sub.URL)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter unavailable, allowing delivery")
		allowed = true
	}
	if !allowed {
		res.Status = DeliverySkipped
		res.err = &apperr.RateLimitedError{Key: sub.URL}
		res.Error = res.err.Error()
		log.Info().Str("outcome", "skipped").Str("url", sub.URL).Msg("webhook rate limited")
		m.recordDelivery(ctx, p, res, 0)
		return res
	}

	start := time.Now()
	statusCode, sendErr := m.send(ctx, sub, p, res.DeliveryID)
	elapsed := time.Since(start)
	res.StatusCode = statusCode
	at := m.now().UTC()

	if sendErr == nil {
		res.Status = DeliverySuccess
		if err := m.store.RecordSuccess(ctx, sub.ID, at); err != nil {
			log.Error().Err(err).Msg("record webhook success")
		}
		log.Info().Str("outcome", "success").Int("status_code", statusCode).Dur("duration", elapsed).Msg("webhook delivered")
		m.recordDelivery(ctx, p, res, elapsed)
		return res
	}

	res.Status = DeliveryFailed
	res.err = sendErr
	res.Error = sendErr.Error()
	updated, err := m.store.RecordFailure(ctx, sub.ID, at, m.threshold)
	if err != nil {
		log.Error().Err(err).Msg("record webhook failure")
	} else if !updated.IsActive && updated.FailureCount == m.threshold {
		// Increments are atomic, so exactly one attempt lands on the threshold.
		res.Deactivated = true
		log.Warn().Int("failure_count", updated.FailureCount).Msg("webhook deactivated after repeated failures")
	}
	log.Info().Str("outcome", "failed").Int("status_code", statusCode).Err(sendErr).Msg("webhook delivery failed")
	m.recordDelivery(ctx, p, res, elapsed)
	return res
}

func (m *Manager) send(ctx context.Context, sub *Subscription, p *Payload, deliveryID uuid.UUID) (int, error) {
	body := p.Body()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &apperr.UpstreamError{Op: "webhook.deliver", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "careportal-webhooks/1")
	req.Header.Set(HeaderSignature, SignatureHeader(body, sub.Secret))
	req.Header.Set(HeaderEvent, string(p.Event()))
	req.Header.Set(HeaderID, sub.ID.String())
	req.Header.Set(HeaderDelivery, deliveryID.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.Timestamp().Unix(), 10))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, &apperr.UpstreamError{Op: "webhook.deliver", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &apperr.UpstreamError{
			Op:         "webhook.deliver",
			StatusCode: resp.StatusCode,
			Err:        errors.New("non-2xx response"),
		}
	}
	return resp.StatusCode, nil
}

func (m *Manager) recordDelivery(ctx context.Context, p *Payload, res DeliveryResult, elapsed time.Duration) {
	d := &Delivery{
		ID:         res.DeliveryID,
		WebhookID:  res.WebhookID,
		PayloadID:  p.ID(),
		Event:      p.Event(),
		Status:     res.Status,
		StatusCode: res.StatusCode,
		DurationMS: elapsed.Milliseconds(),
		Error:      res.Error,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.RecordDelivery(ctx, d); err != nil {
		m.logger.Error().Err(err).Str("webhook_id", res.WebhookID.String()).Msg("record webhook delivery")
	}
}

// TriggerWebhooks delivers one payload for event to every active subscription
// that wants it. Deliveries run concurrently and all of them settle before it
// returns; one failing receiver never stops the others.
func (m *Manager) TriggerWebhooks(ctx context.Context, event Event, data any) ([]DeliveryResult, error) {
	if !event.Valid() {
		return nil, apperr.Validation("event", fmt.Sprintf("unknown event %q", event))
	}
	subs, err := m.store.ListActiveForEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("list webhooks for %s: %w", event, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	p, err := NewPayload(event, data, m.now())
	if err != nil {
		return nil, err
	}

	results := make([]DeliveryResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = m.DeliverTo(ctx, sub, p)
		}(i, sub)
	}
	wg.Wait()

	var ok, failed, skipped int
	for _, r := range results {
		switch r.Status {
		case DeliverySuccess:
			ok++
		case DeliveryFailed:
			failed++
		default:
			skipped++
		}
	}
	m.logger.Info().
		Str("event", string(event)).
		Str("payload_id", p.ID().String()).
		Int("success", ok).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("webhook fan-out complete")
	return results, nil
}

// Test sends a synthetic payload for the subscription's first event. It goes
// through the same limiter and failure accounting as real deliveries.
func (m *Manager) Test(ctx context.Context, id uuid.UUID, principal string) (DeliveryResult, error) {
	sub, err := m.owned(ctx, id, principal)
	if err != nil {
		return DeliveryResult{}, err
	}
	if len(sub.Events) == 0 {
		return DeliveryResult{}, apperr.Validation("events", "webhook has no events")
	}
	p, err := NewPayload(sub.Events[0], map[string]any{"test": true}, m.now())
	if err != nil {
		return DeliveryResult{}, err
	}
	return m.DeliverTo(ctx, sub, p), nil
}
