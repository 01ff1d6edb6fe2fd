package taskstore

import (
	"context"
	"fmt"
	"testing"
	"time"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/infra/redisq"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var acme = domain.Tenancy{TenantID: "acme", Username: "alice"}

func newStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redisq.NewSessionFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := New(s, clk)
	require.NoError(t, err)
	require.NoError(t, s.Release())
	t.Cleanup(func() { _ = st.Close() })
	return st, clk
}

func root(id string) *domain.TransferTask {
	return &domain.TransferTask{UUID: id, Owner: "alice", Source: "sftp://a/" + id, Dest: "s3://b/" + id}
}

func child(id, parent string) *domain.TransferTask {
	t := root(id)
	t.ParentTask = parent
	return t
}

func mustCreate(t *testing.T, st *Store, tasks ...*domain.TransferTask) {
	t.Helper()
	for _, task := range tasks {
		require.NoError(t, st.Create(context.Background(), acme, task))
	}
}

func TestCreateAndGet(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()

	r := root("R")
	require.NoError(t, st.Create(ctx, acme, r))
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, "R", r.RootTask)
	assert.Equal(t, domain.StatusCreated, r.Status)
	assert.Equal(t, "acme", r.TenantID)

	got, err := st.GetByID(ctx, acme, "R")
	require.NoError(t, err)
	assert.Equal(t, *r, *got)

	_, err = st.GetByID(ctx, domain.Tenancy{TenantID: "other"}, "R")
	assert.ErrorIs(t, err, domain.ErrNotFound, "tenants are isolated")

	err = st.Create(ctx, acme, root("R"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestCorruptStoredTaskIsProtocolError(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"))

	for field, value := range map[string]string{fVersion: "x", fEndTime: "yesterday"} {
		t.Run(field, func(t *testing.T) {
			mustCreate(t, st, root("bad-"+field))
			require.NoError(t, st.rdb.HSet(ctx, st.taskKey(acme.TenantID, "bad-"+field), field, value).Err())

			_, err := st.GetByID(ctx, acme, "bad-"+field)
			require.ErrorIs(t, err, domain.ErrProtocol)
			assert.NotErrorIs(t, err, domain.ErrTransport)
			assert.Equal(t, domain.DispositionDelete, domain.DispositionOf(err))
			assert.Contains(t, err.Error(), field)
		})
	}

	_, err := st.GetAll(ctx, acme, domain.Page{})
	assert.ErrorIs(t, err, domain.ErrProtocol)
	got, err := st.GetByID(ctx, acme, "R")
	require.NoError(t, err, "healthy tasks stay readable")
	assert.Equal(t, "R", got.UUID)
}

func TestCreateChildInheritsRoot(t *testing.T) {
	st, _ := newStore(t)
	mustCreate(t, st, root("R"), child("C", "R"))

	g := child("G", "C")
	mustCreate(t, st, g)
	assert.Equal(t, "R", g.RootTask)

	err := st.Create(context.Background(), acme, child("X", "missing"))
	assert.ErrorIs(t, err, domain.ErrBusinessValidation)
}

func TestCreateRequiresTenant(t *testing.T) {
	st, _ := newStore(t)
	err := st.Create(context.Background(), domain.Tenancy{}, root("R"))
	assert.ErrorIs(t, err, domain.ErrBusinessValidation)
}

func TestUpdateDetectsVersionConflict(t *testing.T) {
	st, clk := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"))

	a, err := st.GetByID(ctx, acme, "R")
	require.NoError(t, err)
	b, err := st.GetByID(ctx, acme, "R")
	require.NoError(t, err)

	require.True(t, a.SetStatus(domain.StatusAssigned, clk.Now()))
	require.NoError(t, st.Update(ctx, acme, a))
	assert.Equal(t, int64(2), a.Version)

	require.True(t, b.SetStatus(domain.StatusQueued, clk.Now()))
	err = st.Update(ctx, acme, b)
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	got, err := st.GetByID(ctx, acme, "R")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateStatus(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"))

	got, err := st.UpdateStatus(ctx, acme, "R", domain.StatusTransferring)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTransferring, got.Status)
	assert.NotNil(t, got.StartTime)

	again, err := st.UpdateStatus(ctx, acme, "R", domain.StatusTransferring)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "same status is a no-op")

	_, err = st.UpdateStatus(ctx, acme, "R", domain.StatusCreated)
	assert.ErrorIs(t, err, domain.ErrBusinessValidation)

	_, err = st.UpdateStatus(ctx, acme, "nope", domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"), child("C", "R"))

	require.NoError(t, st.Delete(ctx, acme, "C"))
	_, err := st.GetByID(ctx, acme, "C")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, st.Delete(ctx, acme, "C"))

	ok, err := st.AllChildrenCancelledOrCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.True(t, ok, "deleted child is unlinked")
}

func TestListingIsNewestFirstAndPaged(t *testing.T) {
	st, clk := newStore(t)
	ctx := context.Background()
	for i := range 5 {
		r := root(fmt.Sprintf("R%d", i))
		if i%2 == 1 {
			r.Owner = "bob"
		}
		mustCreate(t, st, r)
		clk.Advance(time.Second)
	}

	all, err := st.GetAll(ctx, acme, domain.Page{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "R4", all[0].UUID)
	assert.Equal(t, "R0", all[4].UUID)

	page, err := st.GetAll(ctx, acme, domain.Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "R3", page[0].UUID)
	assert.Equal(t, "R2", page[1].UUID)

	mine, err := st.GetAllForUser(ctx, domain.Tenancy{TenantID: "acme", Username: "bob"}, domain.Page{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "R3", mine[0].UUID)

	_, err = st.GetAllForUser(ctx, domain.Tenancy{TenantID: "acme"}, domain.Page{})
	assert.ErrorIs(t, err, domain.ErrBusinessValidation)
}

func TestActiveRootTaskIDs(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R1"), root("R2"), child("C", "R1"))

	ids, err := st.GetActiveRootTaskIDs(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, ids)

	_, err = st.UpdateStatus(ctx, acme, "R2", domain.StatusFailed)
	require.NoError(t, err)
	ids, err = st.GetActiveRootTaskIDs(ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, ids)
}
