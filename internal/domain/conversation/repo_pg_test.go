package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/careportal/careportal/internal/domain/cases"
	"github.com/careportal/careportal/internal/domain/chat"
	"github.com/careportal/careportal/internal/platform/apperr"
	"github.com/careportal/careportal/internal/platform/db"
	"github.com/careportal/careportal/internal/platform/db/dbtest"
)

func TestConversationRepoPG(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	convs := NewConversationRepoPG(pool)
	msgs := NewMessageRepoPG(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	patient := uuid.New()
	conv := chat.NewConversation(patient)
	conv.ID = uuid.New()
	conv.CreatedAt, conv.UpdatedAt = now, now
	if err := convs.Create(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	t.Run("GetByID", func(t *testing.T) {
		got, err := convs.GetByID(ctx, conv.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.PatientID != patient || got.Access.CanAccess != chat.AccessAI || !got.CanCreateCase {
			t.Errorf("unexpected conversation %+v", got)
		}
		if _, err := convs.GetByID(ctx, uuid.New()); !apperr.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("MessagesOldestFirst", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			m := &chat.Message{
				ID:             uuid.New(),
				ConversationID: conv.ID,
				Content:        fmt.Sprintf("m%d", i),
				Role:           chat.RoleUser,
				SenderID:       patient.String(),
				Metadata:       chat.StandardMetadata{Status: chat.StatusSending},
				// Identical timestamps: order must come from insertion.
				CreatedAt: now,
			}
			if err := msgs.Create(ctx, m); err != nil {
				t.Fatalf("create message: %v", err)
			}
			if err := msgs.UpdateMetadata(ctx, m.ID, m.Metadata.WithStatus(chat.StatusSent)); err != nil {
				t.Fatalf("update metadata: %v", err)
			}
		}

		page, total, err := msgs.ListByConversation(ctx, conv.ID, 2, 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 5 || len(page) != 2 || page[0].Content != "m2" || page[1].Content != "m3" {
			t.Errorf("unexpected page total=%d %v", total, contents(page))
		}
		if page[0].Status() != chat.StatusSent {
			t.Errorf("expected sent, got %s", page[0].Status())
		}

		recent, err := msgs.Recent(ctx, conv.ID, 3)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if got := contents(recent); len(got) != 3 || got[0] != "m2" || got[2] != "m4" {
			t.Errorf("unexpected recent window %v", got)
		}
	})

	t.Run("HandoffMetadataRoundTrip", func(t *testing.T) {
		md := chat.HandoffMetadata{
			Status:         chat.StatusSending,
			HandoffStatus:  chat.HandoffPending,
			ProviderID:     "P1",
			TriageDecision: chat.TriageDecision{Decision: chat.TriageNeedsProvider, Confidence: 0.9},
		}
		m := &chat.Message{ID: uuid.New(), ConversationID: conv.ID, Content: "handoff",
			Role: chat.RoleAssistant, SenderID: AssistantSenderID, Metadata: md, CreatedAt: now}
		if err := msgs.Create(ctx, m); err != nil {
			t.Fatalf("create: %v", err)
		}
		recent, err := msgs.Recent(ctx, conv.ID, 1)
		if err != nil || len(recent) != 1 {
			t.Fatalf("recent: %v (%d)", err, len(recent))
		}
		got, ok := recent[0].Metadata.(chat.HandoffMetadata)
		if !ok || got != md {
			t.Errorf("expected %+v, got %#v", md, recent[0].Metadata)
		}
	})

	t.Run("UpdateAccessAndLinkCase", func(t *testing.T) {
		c, _ := convs.GetByID(ctx, conv.ID)
		prev := c.Access
		handoffAt := now.Add(time.Minute)
		if _, err := c.ApplyHandoff(chat.HandoffMetadata{
			Status: chat.StatusSent, HandoffStatus: chat.HandoffAccepted, ProviderID: "P1",
			TriageDecision: chat.TriageDecision{Decision: chat.TriageEmergency, Confidence: 1},
		}, handoffAt); err != nil {
			t.Fatalf("apply handoff: %v", err)
		}
		if err := convs.UpdateAccess(ctx, c, prev); err != nil {
			t.Fatalf("update access: %v", err)
		}
		// A second writer that read the same row must lose.
		if err := convs.UpdateAccess(ctx, c, prev); !apperr.IsConflict(err) {
			t.Fatalf("expected conflict on stale access, got %v", err)
		}
		if err := convs.UpdateAccess(ctx, &chat.Conversation{ID: uuid.New()}, prev); !apperr.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}

		kase := &cases.Case{ID: uuid.New(), PatientID: patient, ConversationID: &conv.ID, Title: "t",
			Status: cases.StatusOpen, Priority: cases.PriorityUrgent, CreatedBy: "P1", CreatedAt: now, UpdatedAt: now}
		if err := cases.NewRepoPG(pool).Create(ctx, kase); err != nil {
			t.Fatalf("create case: %v", err)
		}
		if err := convs.LinkCase(ctx, conv.ID, kase.ID); err != nil {
			t.Fatalf("link case: %v", err)
		}

		got, _ := convs.GetByID(ctx, conv.ID)
		if got.Access.State() != chat.StateProviderOnly || got.Access.ProviderID != "P1" {
			t.Errorf("unexpected access %+v", got.Access)
		}
		if got.AssignedStaffID == nil || *got.AssignedStaffID != "P1" {
			t.Errorf("expected assigned staff P1, got %v", got.AssignedStaffID)
		}
		if got.CaseID == nil || *got.CaseID != kase.ID || got.CanCreateCase {
			t.Errorf("expected linked case, got %v can_create=%v", got.CaseID, got.CanCreateCase)
		}
	})

	t.Run("GetForUpdateInTx", func(t *testing.T) {
		err := db.RunInTx(ctx, pool, func(ctx context.Context) error {
			got, err := convs.GetForUpdate(ctx, conv.ID)
			if err != nil {
				return err
			}
			if got.ID != conv.ID {
				t.Errorf("expected %s, got %s", conv.ID, got.ID)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("locked read: %v", err)
		}
		if _, err := convs.GetForUpdate(ctx, uuid.New()); !apperr.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("ListByPatient", func(t *testing.T) {
		items, total, err := convs.ListByPatient(ctx, patient, chat.ConversationActive, 10, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 1 || len(items) != 1 {
			t.Errorf("expected 1 conversation, got %d", total)
		}
		_, total, _ = convs.ListByPatient(ctx, patient, chat.ConversationArchived, 10, 0)
		if total != 0 {
			t.Errorf("expected no archived conversations, got %d", total)
		}
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		if err := convs.Delete(ctx, conv.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		_, total, err := msgs.ListByConversation(ctx, conv.ID, 10, 0)
		if err != nil || total != 0 {
			t.Errorf("expected messages removed, total=%d err=%v", total, err)
		}
		if err := convs.Delete(ctx, conv.ID); !apperr.IsNotFound(err) {
			t.Errorf("expected not found on second delete, got %v", err)
		}
	})
}

func TestServiceOverPostgres_HandoffIsAtomic(t *testing.T) {
	pool := dbtest.Open(t)
	svc := NewService(NewConversationRepoPG(pool), NewMessageRepoPG(pool),
		WithTx(func(ctx context.Context, fn func(context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		}))

	patient := uuid.New()
	conv, err := svc.CreateConversation(patientCtx(patient), patient, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := svc.SendMessage(staffCtx("P1"), SendInput{
		ConversationID: conv.ID,
		Content:        "A provider will join shortly.",
		Role:           chat.RoleAssistant,
		Metadata: chat.HandoffMetadata{
			Status: chat.StatusSending, HandoffStatus: chat.HandoffPending, ProviderID: "P1",
			TriageDecision: chat.TriageDecision{Decision: chat.TriageNeedsProvider, Confidence: 0.85},
		},
	})
	if err != nil {
		t.Fatalf("send handoff: %v", err)
	}
	if msg.Status() != chat.StatusSent {
		t.Errorf("expected sent, got %s", msg.Status())
	}

	got, err := svc.GetConversation(staffCtx("P1"), conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Access.State() != chat.StateBoth || got.Access.HandoffTimestamp == nil {
		t.Errorf("expected BOTH with a handoff timestamp, got %+v", got.Access)
	}
}

func contents(msgs []*chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
