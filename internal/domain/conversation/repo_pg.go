package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careportal/careportal/internal/domain/chat"
	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Conversation Repository ===========

type conversationRepoPG struct{ pool *pgxpool.Pool }

func NewConversationRepoPG(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepoPG{pool: pool}
}

func (r *conversationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const convCols = `id, patient_id, assigned_staff_id, status, case_id, can_create_case, topic,
	metadata, access, created_at, updated_at`

func scanConversation(row pgx.Row) (*chat.Conversation, error) {
	var c chat.Conversation
	var metadata, access []byte
	err := row.Scan(&c.ID, &c.PatientID, &c.AssignedStaffID, &c.Status, &c.CaseID, &c.CanCreateCase,
		&c.Topic, &metadata, &access, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		c.Metadata = json.RawMessage(metadata)
	}
	if len(access) > 0 {
		if err := json.Unmarshal(access, &c.Access); err != nil {
			return nil, fmt.Errorf("decode access for conversation %s: %w", c.ID, err)
		}
	}
	if c.Access.CanAccess == "" {
		c.Access.CanAccess = chat.AccessAI
	}
	return &c, nil
}

func (r *conversationRepoPG) Create(ctx context.Context, c *chat.Conversation) error {
	access, err := json.Marshal(c.Access)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO conversations (`+convCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.PatientID, c.AssignedStaffID, c.Status, c.CaseID, c.CanCreateCase, c.Topic,
		nullJSON(c.Metadata), access, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (r *conversationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*chat.Conversation, error) {
	c, err := scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation", id.String())
	}
	return c, err
}

func (r *conversationRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*chat.Conversation, error) {
	c, err := scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("conversation", id.String())
	}
	return c, err
}

func (r *conversationRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status chat.ConversationStatus, limit, offset int) ([]*chat.Conversation, int, error) {
	where := ` WHERE patient_id = $1 AND ($2 = '' OR status = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM conversations`+where, patientID, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+convCols+` FROM conversations`+where+`
		ORDER BY updated_at DESC, id LIMIT $3 OFFSET $4`, patientID, string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var items []*chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *conversationRepoPG) exec(ctx context.Context, id uuid.UUID, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("conversation", id.String())
	}
	return nil
}

func (r *conversationRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status chat.ConversationStatus) error {
	return r.exec(ctx, id, `UPDATE conversations SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
}

func (r *conversationRepoPG) UpdateAccess(ctx context.Context, c *chat.Conversation, prev chat.Access) error {
	access, err := json.Marshal(c.Access)
	if err != nil {
		return err
	}
	level := prev.CanAccess
	if level == "" {
		level = chat.AccessAI
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE conversations SET access = $2, assigned_staff_id = $3, updated_at = $4
		WHERE id = $1
		  AND COALESCE(access->>'canAccess', 'ai') = $5
		  AND COALESCE(access->>'providerId', '') = $6`,
		c.ID, access, c.AssignedStaffID, c.UpdatedAt, string(level), prev.ProviderID)
	if err != nil {
		return fmt.Errorf("update access: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return apperr.NotFound("conversation", c.ID.String())
	}
	return &apperr.ConflictError{Resource: "conversation", ID: c.ID.String(), Reason: "access changed"}
}

func (r *conversationRepoPG) LinkCase(ctx context.Context, id, caseID uuid.UUID) error {
	return r.exec(ctx, id, `
		UPDATE conversations SET case_id = $2, can_create_case = FALSE, updated_at = NOW()
		WHERE id = $1`, id, caseID)
}

// Delete removes the conversation. Messages go with it through ON DELETE CASCADE.
func (r *conversationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, id, `DELETE FROM conversations WHERE id = $1`, id)
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const msgCols = `id, conversation_id, content, role, sender_id, metadata, created_at`

func scanMessage(row pgx.Row) (*chat.Message, error) {
	var m chat.Message
	var metadata []byte
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Role, &m.SenderID, &metadata, &m.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		md, err := chat.ParseMetadata(metadata)
		if err != nil {
			return nil, fmt.Errorf("decode metadata for message %s: %w", m.ID, err)
		}
		m.Metadata = md
	}
	return &m, nil
}

func (r *messageRepoPG) Create(ctx context.Context, m *chat.Message) error {
	md, err := chat.MarshalMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO messages (`+msgCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.ConversationID, m.Content, m.Role, m.SenderID, md, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) UpdateMetadata(ctx context.Context, id uuid.UUID, md chat.Metadata) error {
	b, err := chat.MarshalMetadata(md)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE messages SET metadata = $2 WHERE id = $1`, id, b)
	if err != nil {
		return fmt.Errorf("update message metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("message", id.String())
	}
	return nil
}

func (r *messageRepoPG) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*chat.Message, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+msgCols+` FROM messages
		WHERE conversation_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	items, err := collectMessages(rows)
	return items, total, err
}

func (r *messageRepoPG) Recent(ctx context.Context, conversationID uuid.UUID, n int) ([]*chat.Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+msgCols+` FROM (
		SELECT `+msgCols+`, seq FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
	) recent ORDER BY seq ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]*chat.Message, error) {
	defer rows.Close()
	var items []*chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
