package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
)

// failingSnapshots is a store whose snapshot writes always fail.
type failingSnapshots struct {
	Store
}

func (failingSnapshots) SaveSnapshot(context.Context, Snapshot) error {
	return errors.New("disk full")
}

func newGateway(t *testing.T, store Store, opts Options) (*Gateway, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	g := NewGateway(store, opts, logger, nil)
	t.Cleanup(g.Close)
	return g, hook
}

func TestGatewayLoadMissingDocument(t *testing.T) {
	g, _ := newGateway(t, newBadger(t), Options{})

	_, err := g.Load(context.Background(), "nope", false)
	assert.True(t, errors.Is(err, errs.ErrNotFound), "got %v", err)

	doc, err := g.Load(context.Background(), "nope", true)
	require.NoError(t, err)
	assert.Equal(t, 0, doc.GetVersion())
	assert.Equal(t, "", doc.GetContent())
}

func TestGatewayPersistsCommits(t *testing.T) {
	ctx := context.Background()
	store := newBadger(t)
	g, _ := newGateway(t, store, Options{})

	doc, err := g.Load(ctx, "doc", true)
	require.NoError(t, err)
	_, err = doc.Submit(ctx, operations.NewInsertOp(0, "Hello"))
	require.NoError(t, err)
	_, err = doc.Submit(ctx, operations.NewInsertOp(5, " World"))
	require.NoError(t, err)

	reloaded, err := g.Load(ctx, "doc", false)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", reloaded.GetContent())
	assert.Equal(t, 2, reloaded.GetVersion())
}

// TestGatewayCompactionRoundTrip commits past the compaction threshold and
// verifies a reload from the snapshot plus tail yields identical content.
func TestGatewayCompactionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newBadger(t)
	g, _ := newGateway(t, store, Options{CompactionThreshold: 200, CompactionKeep: 50})

	doc, err := g.Load(ctx, "doc", true)
	require.NoError(t, err)
	require.NoError(t, g.SetTitle(ctx, "doc", "Draft"))

	for i := 0; i < 200; i++ {
		_, err := doc.Submit(ctx, operations.NewInsertOp(i, string(rune('a'+i%26))))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return doc.SnapshotVersion() == 200 },
		5*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := doc.Submit(ctx, operations.NewInsertOp(0, "!"))
		require.NoError(t, err)
	}

	reloaded, err := g.Load(ctx, "doc", false)
	require.NoError(t, err)
	assert.Equal(t, doc.GetContent(), reloaded.GetContent())
	assert.Equal(t, 205, reloaded.GetVersion())
	assert.Equal(t, 200, reloaded.SnapshotVersion())

	ops, err := store.LoadOperations(ctx, "doc", 0)
	require.NoError(t, err)
	require.NotEmpty(t, ops)
	assert.Equal(t, 151, ops[0].Version, "operations older than the keep window are truncated")

	_, err = doc.History(100)
	assert.True(t, errors.Is(err, errs.ErrHistoryTruncated))
	recent, err := doc.History(160)
	require.NoError(t, err)
	assert.Len(t, recent, 45)

	history, err := g.ListSnapshots(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "Draft", history[0].Title)
	assert.Equal(t, 200, history[0].Version)
}

// TestGatewayCompactionFailureDoesNotBlockEditing verifies a failing
// snapshot write is logged and editing continues.
func TestGatewayCompactionFailureDoesNotBlockEditing(t *testing.T) {
	ctx := context.Background()
	g, hook := newGateway(t, failingSnapshots{newBadger(t)}, Options{CompactionThreshold: 3})

	doc, err := g.Load(ctx, "doc", true)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := doc.Submit(ctx, operations.NewInsertOp(0, "x"))
		require.NoError(t, err)
	}
	assert.Equal(t, strings.Repeat("x", 10), doc.GetContent())

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "compaction failed, will retry on next trigger" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, doc.SnapshotVersion())
	history, err := doc.History(0)
	require.NoError(t, err)
	assert.Len(t, history, 10, "history is untouched by a failed compaction")
}

func TestGatewayCompactIsNoopWithoutNewCommits(t *testing.T) {
	ctx := context.Background()
	store := newBadger(t)
	g, _ := newGateway(t, store, Options{CompactionThreshold: 1000, CompactionKeep: 1})

	doc, err := g.Load(ctx, "doc", true)
	require.NoError(t, err)
	_, err = doc.Submit(ctx, operations.NewInsertOp(0, "abc"))
	require.NoError(t, err)

	require.NoError(t, g.Compact(ctx, doc))
	require.NoError(t, g.Compact(ctx, doc))

	history, err := g.ListSnapshots(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGatewayDeleteDocument(t *testing.T) {
	ctx := context.Background()
	g, _ := newGateway(t, newBadger(t), Options{})

	_, err := g.Load(ctx, "doc", true)
	require.NoError(t, err)
	require.NoError(t, g.DeleteDocument(ctx, "doc"))

	_, err = g.GetDocument(ctx, "doc")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = g.ListSnapshots(ctx, "doc")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
