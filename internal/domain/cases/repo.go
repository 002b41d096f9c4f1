package cases

import (
	"context"

	"github.com/google/uuid"
)

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	PatientID  *uuid.UUID
	Status     Status
	AssignedTo string
}

type Repository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Case, int, error)
	Update(ctx context.Context, c *Case) error
	Delete(ctx context.Context, id uuid.UUID) error
}
