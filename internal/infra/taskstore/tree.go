package taskstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"transferq/internal/domain"
)

func (st *Store) childIDs(ctx context.Context, tc domain.Tenancy, id string) ([]string, error) {
	ids, err := st.rdb.SMembers(ctx, st.childrenKey(tc.TenantID, id)).Result()
	if err != nil {
		return nil, storeErr("list children", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (st *Store) children(ctx context.Context, tc domain.Tenancy, id string) ([]domain.TransferTask, error) {
	if _, err := st.GetByID(ctx, tc, id); err != nil {
		return nil, err
	}
	ids, err := st.childIDs(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	return st.loadMany(ctx, tc, ids)
}

// GetAllChildrenCanceledOrCompleted returns the direct children of id that
// are CANCELLED or COMPLETED.
func (st *Store) GetAllChildrenCanceledOrCompleted(ctx context.Context, tc domain.Tenancy, id string) ([]domain.TransferTask, error) {
	kids, err := st.children(ctx, tc, id)
	if err != nil {
		return nil, err
	}
	var out []domain.TransferTask
	for _, k := range kids {
		if k.Status.CancelledOrCompleted() {
			out = append(out, k)
		}
	}
	return out, nil
}

// AllChildrenCancelledOrCompleted is true when every direct child of id is
// CANCELLED or COMPLETED. A task without children qualifies.
func (st *Store) AllChildrenCancelledOrCompleted(ctx context.Context, tc domain.Tenancy, id string) (bool, error) {
	kids, err := st.children(ctx, tc, id)
	if err != nil {
		return false, err
	}
	for _, k := range kids {
		if !k.Status.CancelledOrCompleted() {
			return false, nil
		}
	}
	return true, nil
}

func (st *Store) SingleNotCancelledOrCompleted(ctx context.Context, tc domain.Tenancy, id string) (bool, error) {
	t, err := st.GetByID(ctx, tc, id)
	if err != nil {
		return false, err
	}
	return !t.Status.CancelledOrCompleted(), nil
}

// walk visits id and its descendants breadth first over an explicit
// worklist, so tree depth never grows the stack.
func (st *Store) walk(ctx context.Context, tc domain.Tenancy, id string, visit func(string) error) error {
	queue := []string{id}
	seen := map[string]struct{}{id: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if err := visit(cur); err != nil {
			return err
		}
		kids, err := st.childIDs(ctx, tc, cur)
		if err != nil {
			return err
		}
		for _, k := range kids {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			queue = append(queue, k)
		}
	}
	return nil
}

// GetTransferTaskTree returns id and all of its descendants, parents
// before children.
func (st *Store) GetTransferTaskTree(ctx context.Context, tc domain.Tenancy, id string) ([]domain.TransferTask, error) {
	if _, err := st.GetByID(ctx, tc, id); err != nil {
		return nil, err
	}
	var ids []string
	if err := st.walk(ctx, tc, id, func(cur string) error {
		ids = append(ids, cur)
		return nil
	}); err != nil {
		return nil, err
	}
	return st.loadMany(ctx, tc, ids)
}

// SetTransferTaskCancelledWhereNotCompleted cancels id and every
// non-terminal descendant. Terminal nodes are skipped but still walked, so
// re-running the cascade only picks up what an earlier run missed.
func (st *Store) SetTransferTaskCancelledWhereNotCompleted(ctx context.Context, tc domain.Tenancy, id string) ([]domain.TransferTask, error) {
	if _, err := st.GetByID(ctx, tc, id); err != nil {
		return nil, err
	}
	var cancelled []domain.TransferTask
	err := st.walk(ctx, tc, id, func(cur string) error {
		t, changed, err := st.cancelOne(ctx, tc, cur)
		if err != nil {
			return err
		}
		if changed {
			cancelled = append(cancelled, *t)
		}
		return nil
	})
	if err != nil {
		return cancelled, fmt.Errorf("cancel tree %s: %w", id, err)
	}
	return cancelled, nil
}

func (st *Store) cancelOne(ctx context.Context, tc domain.Tenancy, id string) (*domain.TransferTask, bool, error) {
	var lastErr error
	for range cancelRetries {
		t, err := st.GetByID(ctx, tc, id)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if !t.SetStatus(domain.StatusCancelled, st.clk.Now()) {
			return t, false, nil
		}
		err = st.Update(ctx, tc, t)
		if err == nil {
			return t, true, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, false, err
		}
		lastErr = err
	}
	return nil, false, lastErr
}
