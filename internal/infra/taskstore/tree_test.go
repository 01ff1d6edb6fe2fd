package taskstore

import (
	"context"
	"fmt"
	"testing"
	"transferq/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllChildrenCancelledOrCompleted(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"), child("C1", "R"), child("C2", "R"), child("C3", "R"))

	_, err := st.SetTransferTaskCancelledWhereNotCompleted(ctx, acme, "C1")
	require.NoError(t, err)
	ok, err := st.AllChildrenCancelledOrCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.SetTransferTaskCancelledWhereNotCompleted(ctx, acme, "C2")
	require.NoError(t, err)
	_, err = st.UpdateStatus(ctx, acme, "C3", domain.StatusCompleted)
	require.NoError(t, err)
	ok, err = st.AllChildrenCancelledOrCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.True(t, ok)

	done, err := st.GetAllChildrenCanceledOrCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.Len(t, done, 3)

	ok, err = st.AllChildrenCancelledOrCompleted(ctx, acme, "C1")
	require.NoError(t, err)
	assert.True(t, ok, "a leaf has no pending children")
}

func TestFailedChildIsNotDone(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"), child("C1", "R"))

	_, err := st.UpdateStatus(ctx, acme, "C1", domain.StatusFailed)
	require.NoError(t, err)

	ok, err := st.AllChildrenCancelledOrCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := st.SingleNotCancelledOrCompleted(ctx, acme, "C1")
	require.NoError(t, err)
	assert.True(t, pending)

	pending, err = st.SingleNotCancelledOrCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestCancelCascadeSkipsTerminalNodes(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st,
		root("R"),
		child("C1", "R"), child("C2", "R"),
		child("G1", "C1"), child("G2", "C1"),
	)
	_, err := st.UpdateStatus(ctx, acme, "G1", domain.StatusCompleted)
	require.NoError(t, err)

	cancelled, err := st.SetTransferTaskCancelledWhereNotCompleted(ctx, acme, "R")
	require.NoError(t, err)
	var ids []string
	for _, c := range cancelled {
		ids = append(ids, c.UUID)
		assert.Equal(t, domain.StatusCancelled, c.Status)
		assert.NotNil(t, c.EndTime)
	}
	assert.ElementsMatch(t, []string{"R", "C1", "C2", "G2"}, ids)

	g1, err := st.GetByID(ctx, acme, "G1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, g1.Status, "completed work is kept")

	again, err := st.SetTransferTaskCancelledWhereNotCompleted(ctx, acme, "R")
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = st.SetTransferTaskCancelledWhereNotCompleted(ctx, acme, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelCascadeHandlesDeepTrees(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("N0"))
	for i := 1; i < 200; i++ {
		mustCreate(t, st, child(fmt.Sprintf("N%d", i), fmt.Sprintf("N%d", i-1)))
	}

	cancelled, err := st.SetTransferTaskCancelledWhereNotCompleted(ctx, acme, "N0")
	require.NoError(t, err)
	assert.Len(t, cancelled, 200)

	leaf, err := st.GetByID(ctx, acme, "N199")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, leaf.Status)
	assert.Equal(t, "N0", leaf.RootTask)
}

func TestGetTransferTaskTree(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	mustCreate(t, st, root("R"), child("C1", "R"), child("C2", "R"), child("G1", "C2"), root("Other"))

	tree, err := st.GetTransferTaskTree(ctx, acme, "R")
	require.NoError(t, err)
	var ids []string
	for _, n := range tree {
		ids = append(ids, n.UUID)
	}
	assert.Equal(t, []string{"R", "C1", "C2", "G1"}, ids)

	sub, err := st.GetTransferTaskTree(ctx, acme, "C2")
	require.NoError(t, err)
	assert.Len(t, sub, 2)

	_, err = st.GetTransferTaskTree(ctx, acme, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
