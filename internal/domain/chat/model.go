package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageStatus is the delivery state shown next to a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusError:
		return true
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

func (s ConversationStatus) Valid() bool {
	return s == ConversationActive || s == ConversationArchived
}

// Conversation maps to the conversations table.
type Conversation struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	PatientID       uuid.UUID          `db:"patient_id" json:"patient_id"`
	AssignedStaffID *string            `db:"assigned_staff_id" json:"assigned_staff_id,omitempty"`
	Status          ConversationStatus `db:"status" json:"status"`
	CaseID          *uuid.UUID         `db:"case_id" json:"case_id,omitempty"`
	CanCreateCase   bool               `db:"can_create_case" json:"can_create_case"`
	Topic           *string            `db:"topic" json:"topic,omitempty"`
	Metadata        json.RawMessage    `db:"metadata" json:"metadata,omitempty"`
	Access          Access             `db:"access" json:"access"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// NewConversation returns an active conversation owned by automation.
func NewConversation(patientID uuid.UUID) *Conversation {
	return &Conversation{
		PatientID:     patientID,
		Status:        ConversationActive,
		CanCreateCase: true,
		Access:        Access{CanAccess: AccessAI},
	}
}

// Message maps to the messages table.
type Message struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ConversationID uuid.UUID `db:"conversation_id" json:"conversation_id"`
	Content        string    `db:"content" json:"content"`
	Role           Role      `db:"role" json:"role"`
	SenderID       string    `db:"sender_id" json:"sender_id,omitempty"`
	Metadata       Metadata  `db:"metadata" json:"metadata"`
	// Error is kept on a message whose send failed so the sender can retry.
	Error     string    `db:"-" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Status returns the delivery status carried in the message metadata.
func (m *Message) Status() MessageStatus {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata.MessageStatus()
}

// SetStatus replaces the delivery status, keeping the metadata variant.
func (m *Message) SetStatus(s MessageStatus) {
	if m.Metadata == nil {
		m.Metadata = StandardMetadata{Status: s}
		return
	}
	m.Metadata = m.Metadata.WithStatus(s)
}

// UnmarshalJSON decodes a message, routing the metadata through ParseMetadata.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Metadata) == 0 || string(aux.Metadata) == "null" {
		m.Metadata = nil
		return nil
	}
	md, err := ParseMetadata(aux.Metadata)
	if err != nil {
		return err
	}
	m.Metadata = md
	return nil
}
