package ports

import (
	"context"
	"transferq/internal/domain"
)

// TransferTaskStore is the only read and write path into the task tree.
type TransferTaskStore interface {
	GetAll(ctx context.Context, tc domain.Tenancy, page domain.Page) ([]domain.TransferTask, error)
	GetAllForUser(ctx context.Context, tc domain.Tenancy, page domain.Page) ([]domain.TransferTask, error)
	GetByID(ctx context.Context, tc domain.Tenancy, uuid string) (*domain.TransferTask, error)
	Create(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) error
	// Update writes t if its Version still matches the stored one and
	// advances t.Version on success.
	Update(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) error
	UpdateStatus(ctx context.Context, tc domain.Tenancy, uuid string, status domain.TaskStatus) (*domain.TransferTask, error)
	Delete(ctx context.Context, tc domain.Tenancy, uuid string) error

	GetAllChildrenCanceledOrCompleted(ctx context.Context, tc domain.Tenancy, uuid string) ([]domain.TransferTask, error)
	GetActiveRootTaskIDs(ctx context.Context, tc domain.Tenancy) ([]string, error)
	AllChildrenCancelledOrCompleted(ctx context.Context, tc domain.Tenancy, uuid string) (bool, error)
	SingleNotCancelledOrCompleted(ctx context.Context, tc domain.Tenancy, uuid string) (bool, error)
	// SetTransferTaskCancelledWhereNotCompleted cancels uuid and every
	// non-terminal descendant, returning the tasks it moved.
	SetTransferTaskCancelledWhereNotCompleted(ctx context.Context, tc domain.Tenancy, uuid string) ([]domain.TransferTask, error)
	GetTransferTaskTree(ctx context.Context, tc domain.Tenancy, uuid string) ([]domain.TransferTask, error)
}
