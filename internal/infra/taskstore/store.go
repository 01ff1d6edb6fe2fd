// Package taskstore persists transfer tasks and their tree links in Redis.
//
// Each task is a hash guarded by its version field: writers WATCH the hash,
// compare the version they read, and write version+1 inside MULTI. Tree
// links live in a per-task children set; listings use sorted-set indexes.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/infra/redisq"
	"transferq/internal/ports"

	"github.com/redis/go-redis/v9"
)

var _ ports.TransferTaskStore = (*Store)(nil)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	// cancelRetries bounds version conflicts per task during a cascade.
	cancelRetries = 5
)

type Store struct {
	s   *redisq.Session
	rdb *redis.Client
	clk clock.Clock
}

func New(s *redisq.Session, clk clock.Clock) (*Store, error) {
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{s: s, rdb: s.Client(), clk: clk}, nil
}

func (st *Store) Close() error { return st.s.Release() }

func (st *Store) taskKey(tenant, id string) string     { return st.s.Key("tt", tenant, "task", id) }
func (st *Store) childrenKey(tenant, id string) string { return st.s.Key("tt", tenant, "children", id) }
func (st *Store) indexKey(tenant string) string        { return st.s.Key("tt", tenant, "index") }
func (st *Store) ownerKey(tenant, owner string) string { return st.s.Key("tt", tenant, "owner", owner) }
func (st *Store) rootsKey(tenant string) string        { return st.s.Key("tt", tenant, "roots", "active") }

func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("%s: %w", op, domain.ErrConcurrencyConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrBusinessValidation),
		errors.Is(err, domain.ErrProtocol):
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransport, err)
}

func (st *Store) GetByID(ctx context.Context, tc domain.Tenancy, id string) (*domain.TransferTask, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	h, err := st.rdb.HGetAll(ctx, st.taskKey(tc.TenantID, id)).Result()
	if err != nil {
		return nil, storeErr("get transfer task", err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("transfer task %s: %w", id, domain.ErrNotFound)
	}
	return decode(h)
}

func (st *Store) GetAll(ctx context.Context, tc domain.Tenancy, page domain.Page) ([]domain.TransferTask, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return st.listIndex(ctx, tc, st.indexKey(tc.TenantID), page)
}

func (st *Store) GetAllForUser(ctx context.Context, tc domain.Tenancy, page domain.Page) ([]domain.TransferTask, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if tc.Username == "" {
		return nil, fmt.Errorf("%w: username is required", domain.ErrBusinessValidation)
	}
	return st.listIndex(ctx, tc, st.ownerKey(tc.TenantID, tc.Username), page)
}

// listIndex pages newest first through a created-time index.
func (st *Store) listIndex(ctx context.Context, tc domain.Tenancy, key string, page domain.Page) ([]domain.TransferTask, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset := max(page.Offset, 0)
	ids, err := st.rdb.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, storeErr("list transfer tasks", err)
	}
	return st.loadMany(ctx, tc, ids)
}

// loadMany fetches tasks in id order, skipping ids that vanished.
func (st *Store) loadMany(ctx context.Context, tc domain.Tenancy, ids []string) ([]domain.TransferTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := st.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, st.taskKey(tc.TenantID, id))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("load transfer tasks", err)
	}
	out := make([]domain.TransferTask, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		t, err := decode(h)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// Create stores a new task at version 1 and links it under its parent.
func (st *Store) Create(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if t.TenantID == "" {
		t.TenantID = tc.TenantID
	}
	if t.TenantID != tc.TenantID {
		return fmt.Errorf("%w: task %s belongs to tenant %s", domain.ErrBusinessValidation, t.UUID, t.TenantID)
	}
	if t.IsRoot() && t.RootTask == "" {
		t.RootTask = t.UUID
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.IsRoot() {
		parent, err := st.GetByID(ctx, tc, t.ParentTask)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: parent %s of task %s does not exist", domain.ErrBusinessValidation, t.ParentTask, t.UUID)
			}
			return err
		}
		if t.RootTask == "" {
			t.RootTask = parent.RootID()
		}
	}
	now := st.clk.Now()
	if t.Created.IsZero() {
		t.Created = now
	}
	if t.LastUpdated.IsZero() {
		t.LastUpdated = now
	}
	if t.Status == "" {
		t.Status = domain.StatusCreated
	}

	key := st.taskKey(tc.TenantID, t.UUID)
	next := *t
	next.Version = 1
	err := st.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("transfer task %s: %w", t.UUID, domain.ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encode(&next))
			score := float64(next.Created.UnixMilli())
			p.ZAdd(ctx, st.indexKey(tc.TenantID), redis.Z{Score: score, Member: next.UUID})
			if next.Owner != "" {
				p.ZAdd(ctx, st.ownerKey(tc.TenantID, next.Owner), redis.Z{Score: score, Member: next.UUID})
			}
			if next.IsRoot() {
				if !next.Status.Terminal() {
					p.SAdd(ctx, st.rootsKey(tc.TenantID), next.UUID)
				}
			} else {
				p.SAdd(ctx, st.childrenKey(tc.TenantID, next.ParentTask), next.UUID)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return storeErr("create transfer task", err)
	}
	*t = next
	return nil
}

// Update writes t when the stored version equals t.Version.
func (st *Store) Update(ctx context.Context, tc domain.Tenancy, t *domain.TransferTask) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	key := st.taskKey(tc.TenantID, t.UUID)
	next := *t
	next.Version = t.Version + 1
	err := st.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, key, fVersion).Int64()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("transfer task %s: %w", t.UUID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if v != t.Version {
			return fmt.Errorf("transfer task %s at version %d, caller had %d: %w", t.UUID, v, t.Version, domain.ErrConcurrencyConflict)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encode(&next))
			if next.IsRoot() {
				if next.Status.Terminal() {
					p.SRem(ctx, st.rootsKey(tc.TenantID), next.UUID)
				} else {
					p.SAdd(ctx, st.rootsKey(tc.TenantID), next.UUID)
				}
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return storeErr("update transfer task", err)
	}
	*t = next
	return nil
}

// UpdateStatus moves a task to status, retrying version conflicts a few
// times. Setting the status a task already has is a no-op.
func (st *Store) UpdateStatus(ctx context.Context, tc domain.Tenancy, id string, status domain.TaskStatus) (*domain.TransferTask, error) {
	var lastErr error
	for range cancelRetries {
		t, err := st.GetByID(ctx, tc, id)
		if err != nil {
			return nil, err
		}
		if t.Status == status {
			return t, nil
		}
		if !t.SetStatus(status, st.clk.Now()) {
			return nil, fmt.Errorf("%w: task %s cannot move from %s to %s", domain.ErrBusinessValidation, id, t.Status, status)
		}
		err = st.Update(ctx, tc, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Delete removes a task and its index entries. Its children are left for
// the retention policy. Deleting a missing task is not an error.
func (st *Store) Delete(ctx context.Context, tc domain.Tenancy, id string) error {
	t, err := st.GetByID(ctx, tc, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = st.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, st.taskKey(tc.TenantID, id), st.childrenKey(tc.TenantID, id))
		p.ZRem(ctx, st.indexKey(tc.TenantID), id)
		if t.Owner != "" {
			p.ZRem(ctx, st.ownerKey(tc.TenantID, t.Owner), id)
		}
		p.SRem(ctx, st.rootsKey(tc.TenantID), id)
		if !t.IsRoot() {
			p.SRem(ctx, st.childrenKey(tc.TenantID, t.ParentTask), id)
		}
		return nil
	})
	return storeErr("delete transfer task", err)
}

func (st *Store) GetActiveRootTaskIDs(ctx context.Context, tc domain.Tenancy) ([]string, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	ids, err := st.rdb.SMembers(ctx, st.rootsKey(tc.TenantID)).Result()
	if err != nil {
		return nil, storeErr("active root tasks", err)
	}
	slices.Sort(ids)
	return ids, nil
}
