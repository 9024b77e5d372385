package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-identity/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-identity/migrations"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "journal.db"), WALMode: true, BusyTimeout: 5})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background(), migrations.FS))

	return NewSQLiteRepository(db.DB)
}

func TestCreate_FillsDefaults(t *testing.T) {
	repo := newRepo(t)

	ev := &Event{DeviceID: "LeafDevice1", Action: ActionRegistrationRequested, Source: "itm"}
	require.NoError(t, repo.Create(context.Background(), ev))

	assert.Regexp(t, `^reg-[0-9a-f]{8}$`, ev.ID)
	assert.False(t, ev.CreatedAt.IsZero())
}

func TestList(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []Event{
		{DeviceID: "dev-a", Action: ActionRegistrationRequested, Source: "itm", CreatedAt: base},
		{DeviceID: "dev-a", Action: ActionRegistered, Source: "itm", CreatedAt: base.Add(time.Second),
			Details: map[string]any{"result_code": 200, "flushed": 3}},
		{DeviceID: "dev-b", Action: ActionRegistrationRequested, Source: "itm", CreatedAt: base.Add(2 * time.Second)},
		{DeviceID: "dev-b", Action: ActionRejected, Source: "itm", CreatedAt: base.Add(3 * time.Second)},
	}
	for i := range seed {
		require.NoError(t, repo.Create(ctx, &seed[i]))
	}

	t.Run("all newest first", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, 4, res.Total)
		assert.Equal(t, defaultLimit, res.Limit)
		require.Len(t, res.Events, 4)
		assert.Equal(t, ActionRejected, res.Events[0].Action)
		assert.Equal(t, ActionRegistrationRequested, res.Events[3].Action)
	})

	t.Run("by device", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{DeviceID: "dev-a"})
		require.NoError(t, err)
		require.Len(t, res.Events, 2)
		assert.Equal(t, ActionRegistered, res.Events[0].Action)
		assert.EqualValues(t, 200, res.Events[0].Details["result_code"])
		assert.True(t, res.Events[0].CreatedAt.Equal(base.Add(time.Second)))
	})

	t.Run("by action", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{Action: ActionRegistrationRequested})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Total)
	})

	t.Run("paging and clamping", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{Limit: 1000, Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, maxLimit, res.Limit)
		assert.Equal(t, 4, res.Total)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "dev-a", res.Events[0].DeviceID)
	})

	t.Run("no match", func(t *testing.T) {
		res, err := repo.List(ctx, Filter{DeviceID: "ghost"})
		require.NoError(t, err)
		assert.NotNil(t, res.Events)
		assert.Empty(t, res.Events)
	})
}
