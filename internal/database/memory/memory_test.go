package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *DB {
	db := New()
	db.CreateEnum(&schema.Enum{Name: "item_condition", Values: []string{"new", "used"}})
	db.CreateEnum(&schema.Enum{Name: "unused_enum", Values: []string{"x"}})
	db.CreateTable(&schema.Table{
		Name: "pending_entry_items",
		Columns: []schema.Column{
			{Name: "id", DataType: "bigint", PrimaryKey: true, Position: 1},
			{Name: "condition", DataType: "USER-DEFINED", EnumName: "item_condition", Nullable: true, Position: 2},
		},
	})
	db.CreateTable(&schema.Table{Name: "pending_entries", Columns: []schema.Column{{Name: "id", DataType: "bigint", Position: 1}}})
	return db
}

func TestFetchMetadata(t *testing.T) {
	db := seeded()

	snap, err := db.FetchMetadata(context.Background(), []string{"pending_entry_items", "missing"})

	require.NoError(t, err)
	assert.Len(t, snap.Tables, 1)
	assert.Contains(t, snap.Enums, "item_condition")
	assert.NotContains(t, snap.Enums, "unused_enum")
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestFetchMetadata_FreshCopies(t *testing.T) {
	db := seeded()

	first, err := db.FetchMetadata(context.Background(), []string{"pending_entry_items"})
	require.NoError(t, err)
	first.Tables["pending_entry_items"].Columns[0].Name = "mutated"

	second, err := db.FetchMetadata(context.Background(), []string{"pending_entry_items"})
	require.NoError(t, err)
	assert.Equal(t, "id", second.Tables["pending_entry_items"].Columns[0].Name)
}

func TestFetchMetadata_PartialAndTotalFailure(t *testing.T) {
	db := seeded()
	db.FailFetch("pending_entries", errors.New("permission denied"))

	snap, err := db.FetchMetadata(context.Background(), []string{"pending_entry_items", "pending_entries"})
	require.NoError(t, err)
	assert.Contains(t, snap.Tables, "pending_entry_items")
	assert.Equal(t, "permission denied", snap.Failed["pending_entries"])

	_, err = db.FetchMetadata(context.Background(), []string{"pending_entries"})
	require.Error(t, err)
	assert.True(t, errs.IsQueryFailed(err))
}

func TestResolveReferences(t *testing.T) {
	db := seeded()
	db.Insert("pending_entries", "id", "1", "2")

	missing, err := db.ResolveReferences(context.Background(), "pending_entries", "id", []string{"1", "3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, missing)

	_, err = db.ResolveReferences(context.Background(), "nope", "id", []string{"1"})
	assert.True(t, errs.IsNotFound(err))
}

func TestTx_RollbackDiscardsWrites(t *testing.T) {
	db := seeded()
	ctx := context.Background()

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddColumn(ctx, "pending_entry_items", "color", "text"))
	exists, err := tx.ColumnExists(ctx, "pending_entry_items", "color")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, tx.AppendAudit(ctx, mutate.AuditEntry{Table: "pending_entry_items", Column: "color"}))
	require.NoError(t, tx.Rollback(ctx))

	snap, err := db.FetchMetadata(ctx, []string{"pending_entry_items"})
	require.NoError(t, err)
	assert.False(t, snap.Tables["pending_entry_items"].HasColumn("color"))
	assert.Empty(t, db.Audit())

	assert.NoError(t, tx.Rollback(ctx))
	assert.Error(t, tx.Commit(ctx))
}

func TestTx_AddExistingColumnConflicts(t *testing.T) {
	db := seeded()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback(context.Background())

	err = tx.AddColumn(context.Background(), "pending_entry_items", "condition", "text")
	assert.True(t, errs.IsConflict(err))
}

func TestTx_LockTimeoutAndRelease(t *testing.T) {
	db := seeded()
	ctx := context.Background()

	a, _ := db.Begin(ctx)
	b, _ := db.Begin(ctx)
	require.NoError(t, a.AcquireLock(ctx, 42, time.Second))

	err := b.AcquireLock(ctx, 42, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.IsLockTimeout(err))

	require.NoError(t, b.AcquireLock(ctx, 43, 10*time.Millisecond), "other keys are independent")

	require.NoError(t, a.Commit(ctx))
	c, _ := db.Begin(ctx)
	assert.NoError(t, c.AcquireLock(ctx, 42, 10*time.Millisecond))
	require.NoError(t, c.Rollback(ctx))
	require.NoError(t, b.Rollback(ctx))
}

func TestTx_LockWaitHonoursContext(t *testing.T) {
	db := seeded()
	a, _ := db.Begin(context.Background())
	require.NoError(t, a.AcquireLock(context.Background(), 7, time.Second))
	defer a.Rollback(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, _ := db.Begin(context.Background())
	err := b.AcquireLock(ctx, 7, time.Second)
	assert.True(t, errs.IsTimeout(err))
}

func TestUsageCounting(t *testing.T) {
	db := seeded()
	ctx := context.Background()
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	for _, at := range []time.Time{t1, t2} {
		tx, _ := db.Begin(ctx)
		require.NoError(t, tx.TouchUsage(ctx, "pending_entry_items", "color", at))
		require.NoError(t, tx.Commit(ctx))
	}

	u, ok := db.Usage("pending_entry_items", "color")
	require.True(t, ok)
	assert.EqualValues(t, 2, u.Count)
	assert.Equal(t, t2, u.LastUsedAt)

	all, err := db.ListUsage(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
