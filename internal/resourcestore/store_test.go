package resourcestore

import (
	"context"
	"testing"
	"time"

	nmoserrors "github.com/nmosnode/node/internal/errors"
	"github.com/nmosnode/node/internal/model"
	"github.com/nmosnode/node/pkg/timestamp"
	"github.com/stretchr/testify/require"
)

func node(id string) *model.Resource {
	return &model.Resource{ID: id, Type: model.TypeNode, Payload: []byte(`{}`)}
}

func device(id, nodeID string) *model.Resource {
	return &model.Resource{
		ID: id, Type: model.TypeDevice, Payload: []byte(`{}`),
		Parents: []model.Ref{{Field: "node_id", ID: nodeID}},
	}
}

func TestInsertReferentialIntegrity(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))

	err := s.Insert(device("dev-1", "missing-node"))
	require.ErrorIs(t, err, nmoserrors.ErrDanglingReference)

	require.NoError(t, s.Insert(device("dev-1", "node-1")))

	err = s.Insert(device("dev-2", "node-1"))
	require.NoError(t, err)

	err = s.Insert(device("dev-1", "node-1"))
	require.ErrorIs(t, err, nmoserrors.ErrAlreadyExists)
}

func TestMonotonicVersion(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))
	v1 := s.GlobalVersion()

	require.NoError(t, s.Insert(device("dev-1", "node-1")))
	v2 := s.GlobalVersion()

	require.True(t, v2.After(v1))
}

func TestWaitForChangeReturnsOnMutation(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))
	min := s.GlobalVersion()

	done := make(chan timestamp.Version, 1)
	go func() {
		v, err := s.WaitForChange(context.Background(), min)
		require.NoError(t, err)
		done <- v
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Insert(device("dev-1", "node-1")))

	select {
	case v := <-done:
		require.True(t, v.After(min))
	case <-time.After(time.Second):
		t.Fatal("WaitForChange did not wake on mutation")
	}
}

func TestWaitForChangeRespectsDeadline(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))
	min := s.GlobalVersion()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.WaitForChange(ctx, min)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCascadingDelete(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))
	require.NoError(t, s.Insert(device("dev-1", "node-1")))
	require.NoError(t, s.Insert(&model.Resource{
		ID: "src-1", Type: model.TypeSource, Payload: []byte(`{}`),
		Parents: []model.Ref{{Field: "device_id", ID: "dev-1"}},
	}))

	require.NoError(t, s.Erase("dev-1"))

	_, err := s.Get("dev-1")
	require.ErrorIs(t, err, nmoserrors.ErrNotFound)
	_, err = s.Get("src-1")
	require.ErrorIs(t, err, nmoserrors.ErrNotFound)
	_, err = s.Get("node-1")
	require.NoError(t, err)
}

func TestShutdownRejectsWritesAndWakesWaiters(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))
	min := s.GlobalVersion()

	waitErr := make(chan error, 1)
	go func() {
		_, err := s.WaitForChange(context.Background(), min)
		waitErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Shutdown()

	select {
	case err := <-waitErr:
		require.ErrorIs(t, err, nmoserrors.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("WaitForChange did not wake on shutdown")
	}

	err := s.Insert(device("dev-1", "node-1"))
	require.ErrorIs(t, err, nmoserrors.ErrShutdown)
}

func TestInsertRejectsSecondNode(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))

	err := s.Insert(node("node-2"))
	require.ErrorIs(t, err, nmoserrors.ErrNodeExists)

	_, err = s.Get("node-2")
	require.ErrorIs(t, err, nmoserrors.ErrNotFound)
}

func TestSnapshotOrdering(t *testing.T) {
	s := New()
	require.NoError(t, s.Insert(node("node-1")))
	require.NoError(t, s.Insert(device("dev-2", "node-1")))
	require.NoError(t, s.Insert(device("dev-1", "node-1")))

	snap := s.Snapshot(nil)
	require.Len(t, snap, 3)
	require.Equal(t, model.TypeNode, snap[0].Type)
	require.Equal(t, "dev-1", snap[1].ID)
	require.Equal(t, "dev-2", snap[2].ID)
}
