// Package conversation coordinates patient conversations: message storage,
// the automated intake reply, and handing the conversation to a provider.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/cases"
	"github.com/careportal/careportal/internal/domain/chat"
	"github.com/careportal/careportal/internal/domain/triage"
	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/websocket"
	"github.com/careportal/careportal/pkg/pagination"
)

// AssistantSenderID is the sender recorded on messages written by the intake agent.
const AssistantSenderID = "intake-assistant"

// Event types published on conversation topics.
const (
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
	EventMessageCreated      = "message.created"
)

func ConversationTopic(id uuid.UUID) string { return "conversation:" + id.String() }
func PatientTopic(id uuid.UUID) string      { return "patient:" + id.String() }

// Triager produces intake replies and urgency decisions.
type Triager interface {
	ProcessMessage(ctx context.Context, content string, history []chat.Message, conversationID uuid.UUID) (*triage.Reply, error)
	MakeTriageDecision(ctx context.Context, messages []chat.Message) (chat.TriageDecision, error)
}

// Runner starts tracked background work.
type Runner interface {
	Go(name string, fn func(ctx context.Context)) error
}

// TxRunner runs fn inside one transaction.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// CaseCreator opens a case for a conversation.
type CaseCreator interface {
	Create(ctx context.Context, in cases.CreateInput) (*cases.Case, error)
}

type Config struct {
	// HistoryTurns bounds the messages handed to the triage engine.
	HistoryTurns int
	// HandoffConfidence is the minimum confidence for an automatic handoff.
	HandoffConfidence float64
	// OnCallProviderID receives automatic handoffs when no staff member is assigned.
	OnCallProviderID string
}

func DefaultConfig() Config {
	return Config{HistoryTurns: 10, HandoffConfidence: 0.7}
}

type Option func(*Service)

// WithTriage enables automated replies. Replies run on runner.
func WithTriage(t Triager, runner Runner) Option {
	return func(s *Service) {
		s.triage = t
		s.runner = runner
	}
}

func WithPublisher(p websocket.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithCases(c CaseCreator) Option {
	return func(s *Service) { s.cases = c }
}

func WithTx(run TxRunner) Option {
	return func(s *Service) { s.inTx = run }
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		def := DefaultConfig()
		if cfg.HistoryTurns <= 0 {
			cfg.HistoryTurns = def.HistoryTurns
		}
		if cfg.HandoffConfidence <= 0 || cfg.HandoffConfidence > 1 {
			cfg.HandoffConfidence = def.HandoffConfidence
		}
		s.cfg = cfg
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "conversation").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, websocket.Event) error { return nil }

type Service struct {
	convs     ConversationRepository
	msgs      MessageRepository
	triage    Triager
	runner    Runner
	publisher websocket.Publisher
	cases     CaseCreator
	inTx      TxRunner
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(convs ConversationRepository, msgs MessageRepository, opts ...Option) *Service {
	s := &Service{
		convs:     convs,
		msgs:      msgs,
		publisher: nopPublisher{},
		inTx:      func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		cfg:       DefaultConfig(),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func isStaff(ctx context.Context) bool {
	return auth.HasRole(ctx, auth.RoleStaff, auth.RoleProvider, auth.RoleAdmin)
}

// authorize lets staff see every conversation and patients only their own.
func authorize(ctx context.Context, conv *chat.Conversation) error {
	if isStaff(ctx) || auth.UserIDFromContext(ctx) == conv.PatientID.String() {
		return nil
	}
	return &apperr.ForbiddenError{Reason: "conversation belongs to another patient"}
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*chat.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Service) publish(ctx context.Context, topic, eventType string, data any) {
	ev, err := websocket.NewEvent(topic, eventType, data)
	if err == nil {
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", topic).Str("event", eventType).Msg("publish realtime event")
	}
}

func (s *Service) CreateConversation(ctx context.Context, patientID uuid.UUID, topic string) (*chat.Conversation, error) {
	if patientID == uuid.Nil {
		return nil, apperr.Validation("patient_id", "required")
	}
	if !isStaff(ctx) && auth.UserIDFromContext(ctx) != patientID.String() {
		return nil, &apperr.ForbiddenError{Reason: "patients may only open their own conversations"}
	}

	conv := chat.NewConversation(patientID)
	conv.ID = uuid.New()
	if t := strings.TrimSpace(topic); t != "" {
		conv.Topic = &t
	}
	conv.CreatedAt = s.now().UTC()
	conv.UpdatedAt = conv.CreatedAt
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, err
	}
	s.publish(ctx, PatientTopic(patientID), EventConversationCreated, conv)
	return conv, nil
}

func (s *Service) GetConversation(ctx context.Context, id uuid.UUID) (*chat.Conversation, error) {
	return s.load(ctx, id)
}

// ListConversations returns one page of a patient's conversations, most
// recently active first. An empty status lists every status.
func (s *Service) ListConversations(ctx context.Context, patientID uuid.UUID, page, limit int, status chat.ConversationStatus) ([]*chat.Conversation, int, error) {
	if patientID == uuid.Nil {
		return nil, 0, apperr.Validation("patient_id", "required")
	}
	if err := pagination.Validate(page, limit); err != nil {
		return nil, 0, apperr.Validation("page", err.Error())
	}
	if status != "" && !status.Valid() {
		return nil, 0, apperr.Validation("status", fmt.Sprintf("unknown status %q", status))
	}
	if !isStaff(ctx) && auth.UserIDFromContext(ctx) != patientID.String() {
		return nil, 0, &apperr.ForbiddenError{Reason: "patients may only list their own conversations"}
	}
	p := pagination.New(page, limit)
	return s.convs.ListByPatient(ctx, patientID, status, p.Limit, p.Offset)
}

// UpdateStatus archives or keeps a conversation active. Archived
// conversations stay archived.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status chat.ConversationStatus) (*chat.Conversation, error) {
	if !status.Valid() {
		return nil, apperr.Validation("status", fmt.Sprintf("unknown status %q", status))
	}
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}
	if conv.Status == chat.ConversationArchived {
		return nil, apperr.Validation("status", "archived conversations cannot be reopened")
	}
	if err := s.convs.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	conv.Status = status
	conv.UpdatedAt = s.now().UTC()
	s.publish(ctx, ConversationTopic(id), EventConversationUpdated, conv)
	return conv, nil
}

// DeleteConversation removes the conversation and its messages for good.
func (s *Service) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	conv, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.convs.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, ConversationTopic(id), EventConversationDeleted, map[string]string{"id": id.String()})
	s.publish(ctx, PatientTopic(conv.PatientID), EventConversationDeleted, map[string]string{"id": id.String()})
	return nil
}

// GetMessages returns one page of history, oldest first.
func (s *Service) GetMessages(ctx context.Context, id uuid.UUID, page, limit int) ([]*chat.Message, int, error) {
	if err := pagination.Validate(page, limit); err != nil {
		return nil, 0, apperr.Validation("page", err.Error())
	}
	if _, err := s.load(ctx, id); err != nil {
		return nil, 0, err
	}
	p := pagination.New(page, limit)
	return s.msgs.ListByConversation(ctx, id, p.Limit, p.Offset)
}

type SendInput struct {
	ConversationID uuid.UUID
	Content        string
	Role           chat.Role
	SenderID       string
	// Metadata defaults to standard metadata.
	Metadata chat.Metadata
}

// SendMessage stores a message. The message is written as sending and
// confirmed as sent; if either write fails it comes back marked error with
// the cause, together with the error. Handoff metadata moves the
// conversation toward the named provider in the same transaction as the
// insert. A user message tagged ai_processing schedules the intake reply.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*chat.Message, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, apperr.Validation("content", "required")
	}
	if in.Role == "" {
		in.Role = chat.RoleUser
	}
	if !in.Role.Valid() {
		return nil, apperr.Validation("role", fmt.Sprintf("unknown role %q", in.Role))
	}

	conv, err := s.load(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == chat.ConversationArchived {
		return nil, apperr.Validation("status", "conversation is archived")
	}
	if !isStaff(ctx) {
		if in.Role != chat.RoleUser {
			return nil, &apperr.ForbiddenError{Reason: "patients send user messages only"}
		}
		if _, ok := in.Metadata.(chat.HandoffMetadata); ok {
			return nil, &apperr.ForbiddenError{Reason: "patients cannot hand off a conversation"}
		}
	}

	msg := &chat.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Content:        content,
		Role:           in.Role,
		SenderID:       in.SenderID,
		Metadata:       in.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	msg.SetStatus(chat.StatusSending)

	var change accessChange
	if h, ok := msg.Metadata.(chat.HandoffMetadata); ok {
		if err := h.TriageDecision.Validate(); err != nil {
			return nil, err
		}
		change = func(c *chat.Conversation, m *chat.Message) (bool, error) {
			return c.ApplyHandoff(h, m.CreatedAt)
		}
	}

	fresh, err := s.persist(ctx, conv.ID, msg, change)
	if err != nil {
		if msg.Status() == chat.StatusError {
			return msg, err
		}
		return nil, err
	}
	if fresh != nil {
		conv = fresh
	}

	if s.wantsReply(conv, msg) {
		s.scheduleReply(conv.ID, msg)
	}
	return msg, nil
}

// accessChange moves a conversation that was just read under lock. It may
// fill in msg before it is stored and reports whether the conversation
// changed.
type accessChange func(conv *chat.Conversation, msg *chat.Message) (bool, error)

// accessAttempts bounds how often a write retries after losing a race for
// the conversation's access.
const accessAttempts = 3

// changeRejected carries an error returned by an accessChange out of the
// transaction untouched.
type changeRejected struct{ err error }

func (e changeRejected) Error() string { return e.err.Error() }
func (e changeRejected) Unwrap() error { return e.err }

// persist writes msg as sending and then confirms it as sent. With a change,
// the conversation is re-read under lock in the same transaction, change is
// applied to that copy and the new access is written only if nobody moved it
// in between; otherwise the transaction is retried on a fresh read. The
// conversation read inside the transaction is returned when change is set.
// A rejected change returns its error with msg left unstored.
func (s *Service) persist(ctx context.Context, convID uuid.UUID, msg *chat.Message, change accessChange) (*chat.Conversation, error) {
	fail := func(err error) error {
		msg.SetStatus(chat.StatusError)
		msg.Error = err.Error()
		return err
	}

	var (
		conv    *chat.Conversation
		changed bool
		err     error
	)
	for attempt := 1; ; attempt++ {
		err = s.inTx(ctx, func(ctx context.Context) error {
			conv, changed = nil, false
			if change != nil {
				fresh, err := s.convs.GetForUpdate(ctx, convID)
				if err != nil {
					return err
				}
				prev := fresh.Access
				if changed, err = change(fresh, msg); err != nil {
					return changeRejected{err}
				}
				conv = fresh
				if changed {
					fresh.UpdatedAt = msg.CreatedAt
					if err := fresh.CheckInvariants(); err != nil {
						return err
					}
					if err := s.convs.UpdateAccess(ctx, fresh, prev); err != nil {
						return err
					}
				}
			}
			return s.msgs.Create(ctx, msg)
		})
		if !apperr.IsConflict(err) || attempt == accessAttempts {
			break
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).
			Str("conversation_id", convID.String()).
			Msg("conversation access moved, retrying")
	}
	var rejected changeRejected
	if errors.As(err, &rejected) {
		return nil, rejected.err
	}
	if err != nil {
		return nil, fail(fmt.Errorf("store message: %w", err))
	}

	sent := msg.Metadata.WithStatus(chat.StatusSent)
	if err := s.msgs.UpdateMetadata(ctx, msg.ID, sent); err != nil {
		return conv, fail(fmt.Errorf("confirm message: %w", err))
	}
	msg.Metadata = sent

	s.publish(ctx, ConversationTopic(convID), EventMessageCreated, msg)
	if changed {
		s.publish(ctx, ConversationTopic(convID), EventConversationUpdated, conv)
	}
	return conv, nil
}

func (s *Service) wantsReply(conv *chat.Conversation, msg *chat.Message) bool {
	if s.triage == nil || s.runner == nil || msg.Role != chat.RoleUser {
		return false
	}
	if msg.Metadata == nil || msg.Metadata.Type() != chat.MetadataAIProcessing {
		return false
	}
	return conv.Access.AutomationAllowed()
}

func (s *Service) scheduleReply(convID uuid.UUID, msg *chat.Message) {
	userMsg := *msg
	err := s.runner.Go("conversation.reply", func(ctx context.Context) {
		s.reply(ctx, convID, &userMsg)
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("conversation_id", convID.String()).
			Str("message_id", msg.ID.String()).
			Msg("assistant reply not scheduled")
	}
}

// reply runs in the background after a user message was stored. Failures
// are logged and leave the user message untouched.
func (s *Service) reply(ctx context.Context, convID uuid.UUID, userMsg *chat.Message) {
	log := s.logger.With().
		Str("conversation_id", convID.String()).
		Str("message_id", userMsg.ID.String()).
		Logger()

	recent, err := s.msgs.Recent(ctx, convID, s.cfg.HistoryTurns+1)
	if err != nil {
		log.Error().Err(err).Msg("load history for assistant reply")
		return
	}
	history := make([]chat.Message, 0, len(recent))
	for _, m := range recent {
		if m.ID != userMsg.ID {
			history = append(history, *m)
		}
	}

	out, err := s.triage.ProcessMessage(ctx, userMsg.Content, history, convID)
	if err != nil {
		log.Error().Err(err).Msg("assistant reply failed")
		return
	}

	assistant := &chat.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Content:        out.Text,
		Role:           chat.RoleAssistant,
		SenderID:       AssistantSenderID,
		Metadata:       out.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	assistant.SetStatus(chat.StatusSending)
	// Access may have moved while the model was working.
	if _, err := s.persist(ctx, convID, assistant, automationOnly); err != nil {
		if errors.Is(err, errProviderHolds) {
			log.Info().Msg("provider holds the conversation, assistant reply dropped")
			return
		}
		log.Error().Err(err).Msg("store assistant reply")
		return
	}

	transcript := append(history, *userMsg, *assistant)
	decision, err := s.triage.MakeTriageDecision(ctx, transcript)
	if err != nil {
		log.Error().Err(err).Msg("triage decision failed")
		return
	}
	log.Info().
		Str("decision", string(decision.Decision)).
		Float64("confidence", decision.Confidence).
		Msg("triage decision")

	if !decision.Decision.RequiresProvider() || decision.Confidence < s.cfg.HandoffConfidence {
		return
	}
	conv, msg, err := s.handoff(ctx, convID, AssistantSenderID, chat.HandoffPending, decision, s.automaticProvider)
	switch {
	case errors.Is(err, errProviderHolds):
		log.Info().Str("decision", string(decision.Decision)).Msg("provider took over before the automatic handoff")
	case errors.Is(err, errNoProvider):
		log.Warn().Str("decision", string(decision.Decision)).Msg("handoff wanted but no provider is available")
	case err != nil:
		log.Error().Err(err).Msg("automatic handoff failed")
	default:
		log.Info().Str("provider_id", conv.Access.ProviderID).Str("message_id", msg.ID.String()).
			Msg("conversation handed off")
	}
}

var (
	errProviderHolds = errors.New("provider holds the conversation")
	errNoProvider    = errors.New("no provider available for handoff")
)

// automationOnly rejects writes by the intake agent once a provider holds
// the conversation.
func automationOnly(conv *chat.Conversation, _ *chat.Message) (bool, error) {
	if !conv.Access.AutomationAllowed() {
		return false, errProviderHolds
	}
	return false, nil
}

// automaticProvider picks the assigned staff member, then the on-call
// provider, for a handoff started by the intake agent.
func (s *Service) automaticProvider(conv *chat.Conversation) (string, error) {
	if !conv.Access.AutomationAllowed() {
		return "", errProviderHolds
	}
	if conv.AssignedStaffID != nil && strings.TrimSpace(*conv.AssignedStaffID) != "" {
		return *conv.AssignedStaffID, nil
	}
	if id := strings.TrimSpace(s.cfg.OnCallProviderID); id != "" {
		return id, nil
	}
	return "", errNoProvider
}

func handoffText(status chat.HandoffStatus, decision chat.TriageDecision) string {
	switch {
	case status != chat.HandoffPending:
		return "A provider has joined the conversation."
	case decision.Decision == chat.TriageEmergency:
		return "This may need urgent attention. A provider is joining now. If this is a life-threatening emergency, call your local emergency number."
	}
	return "A provider has been asked to join this conversation."
}

// handoff posts a handoff message and moves the conversation to the provider
// pick chooses from the conversation as it stands when the write happens.
func (s *Service) handoff(ctx context.Context, convID uuid.UUID, senderID string, status chat.HandoffStatus, decision chat.TriageDecision, pick func(*chat.Conversation) (string, error)) (*chat.Conversation, *chat.Message, error) {
	msg := &chat.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		Content:        handoffText(status, decision),
		Role:           chat.RoleAssistant,
		SenderID:       senderID,
		CreatedAt:      s.now().UTC(),
	}
	conv, err := s.persist(ctx, convID, msg, func(c *chat.Conversation, m *chat.Message) (bool, error) {
		providerID, err := pick(c)
		if err != nil {
			return false, err
		}
		md := chat.HandoffMetadata{
			Status:         chat.StatusSending,
			HandoffStatus:  status,
			ProviderID:     providerID,
			TriageDecision: decision,
		}
		m.Metadata = md
		return c.ApplyHandoff(md, m.CreatedAt)
	})
	if err != nil {
		return nil, msg, err
	}
	return conv, msg, nil
}

// latest walks the recent history newest first and returns the first
// metadata of type T.
func latest[T chat.Metadata](msgs []*chat.Message) (T, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if md, ok := msgs[i].Metadata.(T); ok {
			return md, true
		}
	}
	var zero T
	return zero, false
}

func latestCollectedInfo(msgs []*chat.Message) *chat.CollectedInfo {
	for i := len(msgs) - 1; i >= 0; i-- {
		if md, ok := msgs[i].Metadata.(chat.AIProcessingMetadata); ok && md.CollectedInfo != nil {
			return md.CollectedInfo
		}
	}
	return nil
}

// recentWindow is how far back claim and case creation look for prior
// triage results.
const recentWindow = 50

// ClaimConversation hands the conversation to providerID as an accepted
// handoff. The latest automated triage decision is carried over when there
// is one.
func (s *Service) ClaimConversation(ctx context.Context, id uuid.UUID, providerID string) (*chat.Conversation, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, apperr.Validation("providerId", "required")
	}
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	decision := chat.TriageDecision{Decision: chat.TriageNeedsProvider, Confidence: 1}
	if recent, err := s.msgs.Recent(ctx, id, recentWindow); err == nil {
		if h, ok := latest[chat.HandoffMetadata](recent); ok {
			decision = h.TriageDecision
		}
	}
	claimed, _, err := s.handoff(ctx, conv.ID, providerID, chat.HandoffAccepted, decision,
		func(*chat.Conversation) (string, error) { return providerID, nil })
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseConversation gives the conversation back to the intake agent. Only
// the holding provider or an admin may release it.
func (s *Service) ReleaseConversation(ctx context.Context, id uuid.UUID, actor string) (*chat.Conversation, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	var (
		conv     *chat.Conversation
		holder   string
		released bool
	)
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		if conv, err = s.convs.GetForUpdate(ctx, id); err != nil {
			return err
		}
		prev := conv.Access
		holder = prev.ProviderID
		if holder != "" && holder != actor && !auth.HasRole(ctx, auth.RoleAdmin) {
			return &apperr.ForbiddenError{Reason: "only the holding provider may release this conversation"}
		}
		if released = conv.Release(); !released {
			return nil
		}
		conv.UpdatedAt = s.now().UTC()
		if err := conv.CheckInvariants(); err != nil {
			return err
		}
		return s.convs.UpdateAccess(ctx, conv, prev)
	})
	if err != nil {
		return nil, err
	}
	if !released {
		return conv, nil
	}
	s.logger.Info().Str("conversation_id", id.String()).Str("released_by", actor).Str("provider_id", holder).
		Msg("conversation released to automation")
	s.publish(ctx, ConversationTopic(id), EventConversationUpdated, conv)
	return conv, nil
}

type CaseRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Priority    cases.Priority `json:"priority"`
}

// CreateCaseFromConversation opens the one case a conversation may produce.
// Blank fields are filled from what the intake agent collected.
func (s *Service) CreateCaseFromConversation(ctx context.Context, id uuid.UUID, req CaseRequest) (*cases.Case, error) {
	if s.cases == nil {
		return nil, fmt.Errorf("case creation is not configured")
	}
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.CanCreateCase || conv.CaseID != nil {
		return nil, apperr.Validation("can_create_case", "a case already exists for this conversation")
	}

	recent, err := s.msgs.Recent(ctx, id, recentWindow)
	if err != nil {
		return nil, err
	}
	info := latestCollectedInfo(recent)
	if strings.TrimSpace(req.Title) == "" {
		req.Title = "Intake conversation"
		if info != nil && info.ChiefComplaint != "" {
			req.Title = info.ChiefComplaint
		}
	}
	if strings.TrimSpace(req.Description) == "" {
		req.Description = describe(info)
	}
	if req.Priority == "" {
		req.Priority = cases.PriorityNormal
		if h, ok := latest[chat.HandoffMetadata](recent); ok {
			req.Priority = priorityFor(h.TriageDecision.Decision)
		}
	}

	created, err := s.cases.Create(ctx, cases.CreateInput{
		PatientID:      conv.PatientID,
		ConversationID: &conv.ID,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		AssignedTo:     conv.AssignedStaffID,
		CreatedBy:      auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}
	if err := s.convs.LinkCase(ctx, id, created.ID); err != nil {
		return nil, fmt.Errorf("link case %s: %w", created.ID, err)
	}
	conv.CaseID = &created.ID
	conv.CanCreateCase = false
	conv.UpdatedAt = s.now().UTC()
	s.publish(ctx, ConversationTopic(id), EventConversationUpdated, conv)
	return created, nil
}

func priorityFor(o chat.TriageOutcome) cases.Priority {
	switch o {
	case chat.TriageEmergency:
		return cases.PriorityUrgent
	case chat.TriageNeedsProvider:
		return cases.PriorityHigh
	case chat.TriageSelfCare:
		return cases.PriorityLow
	}
	return cases.PriorityNormal
}

func describe(info *chat.CollectedInfo) string {
	if info == nil {
		return ""
	}
	var b strings.Builder
	line := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, v)
		}
	}
	line("Chief complaint", info.ChiefComplaint)
	line("Duration", info.Duration)
	line("Severity", info.Severity)
	line("Symptoms", strings.Join(info.Symptoms, ", "))
	line("Urgency indicators", strings.Join(info.UrgencyIndicators, ", "))
	line("Recommended specialties", strings.Join(info.RecommendedSpecialties, ", "))
	line("Existing provider", info.ExistingProvider)
	return strings.TrimSpace(b.String())
}

// CanSubscribe is the websocket authorizer for conversation and patient topics.
func (s *Service) CanSubscribe(ctx context.Context, userID, topic string) bool {
	kind, raw, ok := strings.Cut(topic, ":")
	if !ok {
		return false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	switch kind {
	case "conversation":
		_, err := s.load(ctx, id)
		return err == nil
	case "patient":
		return isStaff(ctx) || userID == id.String()
	}
	return false
}
