package conversation

import (
	"context"

	"github.com/google/uuid"

	"github.com/careportal/careportal/internal/domain/chat"
)

// ConversationRepository persists conversations. Missing rows are reported
// as apperr.NotFoundError.
type ConversationRepository interface {
	Create(ctx context.Context, c *chat.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*chat.Conversation, error)
	// GetForUpdate reads like GetByID and, inside a transaction, locks the
	// row until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*chat.Conversation, error)
	// ListByPatient returns newest first. An empty status matches every status.
	ListByPatient(ctx context.Context, patientID uuid.UUID, status chat.ConversationStatus, limit, offset int) ([]*chat.Conversation, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status chat.ConversationStatus) error
	// UpdateAccess writes access and assigned_staff_id together, but only
	// while the stored access still has prev's level and provider. Otherwise
	// it returns an apperr.ConflictError and writes nothing.
	UpdateAccess(ctx context.Context, c *chat.Conversation, prev chat.Access) error
	// LinkCase records the case opened from the conversation and clears can_create_case.
	LinkCase(ctx context.Context, id, caseID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// MessageRepository persists messages in insertion order.
type MessageRepository interface {
	Create(ctx context.Context, m *chat.Message) error
	UpdateMetadata(ctx context.Context, id uuid.UUID, md chat.Metadata) error
	// ListByConversation returns one page, oldest first.
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*chat.Message, int, error)
	// Recent returns the last n messages, oldest first.
	Recent(ctx context.Context, conversationID uuid.UUID, n int) ([]*chat.Message, error)
}
