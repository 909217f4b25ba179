package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/strandlabs/strand/relay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedEvent(i int, kind int, createdAt int64) *models.Event {
	return &models.Event{
		ID:        fmt.Sprintf("%064d", i),
		PubKey:    fmt.Sprintf("%064d", 1000+i),
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      [][]string{{"e", fmt.Sprintf("ref%d", i)}, {"p", "peer"}},
		Content:   fmt.Sprintf("event %d", i),
		Sig:       "sig",
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSaveAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, seedEvent(i, 1, int64(100+i))))
	}

	events, err := s.Query(ctx, Plan{Kinds: []int{1}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 5)

	// created_at descending is the store's declared ordering.
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i-1].CreatedAt, events[i].CreatedAt)
	}
	assert.Equal(t, [][]string{{"e", "ref4"}, {"p", "peer"}}, events[0].Tags)
}

func TestSQLiteDuplicateSave(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	ev := seedEvent(1, 1, 100)
	require.NoError(t, s.Save(ctx, ev))

	err := s.Save(ctx, ev)
	require.Error(t, err)
	assert.True(t, IsDuplicateEvent(err))
}

func TestSQLiteQueryLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, seedEvent(i, 1, int64(100+i))))
	}

	events, err := s.Query(ctx, Plan{Kinds: []int{1}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(104), events[0].CreatedAt)
	assert.Equal(t, int64(103), events[1].CreatedAt)
}

func TestSQLiteQueryBoundsInclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, seedEvent(i, 1, int64(100+i))))
	}

	events, err := s.Query(ctx, Plan{Since: i64(100), Until: i64(101), Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSQLiteQueryTagExistential(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	require.NoError(t, s.Save(ctx, seedEvent(1, 1, 100)))
	require.NoError(t, s.Save(ctx, seedEvent(2, 1, 101)))

	events, err := s.Query(ctx, Plan{Tags: map[string][]string{"e": {"ref1"}}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fmt.Sprintf("%064d", 1), events[0].ID)

	events, err = s.Query(ctx, Plan{Tags: map[string][]string{"p": {"peer"}}, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSQLiteQueryEmptyResultIsNotAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	events, err := s.Query(ctx, Plan{Kinds: []int{42}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteQueryAuthorAndIDSets(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Save(ctx, seedEvent(i, i, int64(100+i))))
	}

	events, err := s.Query(ctx, Plan{Authors: []string{fmt.Sprintf("%064d", 1001)}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = s.Query(ctx, Plan{IDs: []string{fmt.Sprintf("%064d", 0), fmt.Sprintf("%064d", 2)}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSQLiteQuerySearch(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	hay := seedEvent(1, 1, 100)
	hay.Content = "a Needle in the haystack"
	require.NoError(t, s.Save(ctx, hay))

	tagged := seedEvent(2, 1, 101)
	tagged.Tags = [][]string{{"t", "needlework"}}
	require.NoError(t, s.Save(ctx, tagged))

	require.NoError(t, s.Save(ctx, seedEvent(3, 1, 102)))

	// Case-folded substring over content and tag values alike.
	events, err := s.Query(ctx, Plan{Search: "needle", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, tagged.ID, events[0].ID)
	assert.Equal(t, hay.ID, events[1].ID)

	events, err = s.Query(ctx, Plan{Search: "no such phrase", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteQueryResidualScansPastNewestRows(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	old := seedEvent(1, 1, 100)
	old.Content = "wanted"
	require.NoError(t, s.Save(ctx, old))
	require.NoError(t, s.Save(ctx, seedEvent(2, 1, 101)))
	require.NoError(t, s.Save(ctx, seedEvent(3, 1, 102)))

	// The only match sits below the two newest rows; rows rejected by
	// the content constraint must not count toward the limit.
	events, err := s.Query(ctx, Plan{Extra: map[string]any{"content": "wanted"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, old.ID, events[0].ID)

	// Same shape for a search term.
	events, err = s.Query(ctx, Plan{Search: "WANT", Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, old.ID, events[0].ID)
}

func TestSQLiteQueryResidualStillHonorsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	for i := 0; i < 4; i++ {
		ev := seedEvent(i, 1, int64(100+i))
		ev.Content = "wanted"
		require.NoError(t, s.Save(ctx, ev))
	}

	events, err := s.Query(ctx, Plan{Search: "wanted", Limit: 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(103), events[0].CreatedAt)
	assert.Equal(t, int64(102), events[1].CreatedAt)
}
