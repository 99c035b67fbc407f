package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/koustreak/schemagate/internal/database"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.ErrKind
	}{
		{"lock timeout", &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}, errs.ErrKindLockTimeout},
		{"duplicate column", &pgconn.PgError{Code: "42701"}, errs.ErrKindConflict},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, errs.ErrKindNotFound},
		{"privilege", &pgconn.PgError{Code: "42501"}, errs.ErrKindPermissionDenied},
		{"connection class", &pgconn.PgError{Code: "08006"}, errs.ErrKindConnectionFailed},
		{"other sqlstate", &pgconn.PgError{Code: "22P02"}, errs.ErrKindQueryFailed},
		{"no rows", pgx.ErrNoRows, errs.ErrKindNotFound},
		{"deadline", context.DeadlineExceeded, errs.ErrKindTimeout},
		{"network", errors.New("dial tcp: connection refused"), errs.ErrKindConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(tt.err, "op")
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, mapError(nil, "op"))
}

func TestEnumNames(t *testing.T) {
	snap := schema.NewSnapshot()
	snap.Tables["a"] = &schema.Table{Columns: []schema.Column{{Name: "x", EnumName: "zeta"}, {Name: "y"}}}
	snap.Tables["b"] = &schema.Table{Columns: []schema.Column{{Name: "x", EnumName: "alpha"}, {Name: "z", EnumName: "zeta"}}}

	assert.Equal(t, []string{"alpha", "zeta"}, enumNames(snap))
}

// Integration tests run against a live server when
// SCHEMAGATE_TEST_POSTGRES_DSN is set.
func testDriver(t *testing.T) *Driver {
	t.Helper()
	dsn := os.Getenv("SCHEMAGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCHEMAGATE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	d, err := New(ctx, database.DefaultConfig(dsn), nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	suffix := time.Now().UnixNano()
	d.schema = fmt.Sprintf("schemagate_test_%d", suffix)
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA %s`, d.schema),
		fmt.Sprintf(`CREATE TYPE %s.item_condition AS ENUM ('new', 'used', 'damaged')`, d.schema),
		fmt.Sprintf(`CREATE TABLE %s.pending_entries (id BIGSERIAL PRIMARY KEY)`, d.schema),
		fmt.Sprintf(`CREATE TABLE %s.pending_entry_items (
			id            BIGSERIAL PRIMARY KEY,
			entry_id      BIGINT NOT NULL REFERENCES %s.pending_entries(id),
			serial_number VARCHAR(32),
			quantity      INTEGER NOT NULL,
			condition     %s.item_condition,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, d.schema, d.schema, d.schema),
		fmt.Sprintf(`INSERT INTO %s.pending_entries (id) VALUES (1), (2)`, d.schema),
	}
	for _, s := range stmts {
		_, err := d.pool.Exec(ctx, s)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_, _ = d.pool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA %s CASCADE`, d.schema))
	})
	require.NoError(t, d.EnsureTables(ctx))
	return d
}

func TestIntegration_FetchMetadata(t *testing.T) {
	d := testDriver(t)

	snap, err := d.FetchMetadata(context.Background(), []string{"pending_entry_items", "ghost"})
	require.NoError(t, err)

	items, ok := snap.Table("pending_entry_items")
	require.True(t, ok)
	assert.NotContains(t, snap.Tables, "ghost")

	serial, _ := items.Column("serial_number")
	require.NotNil(t, serial.MaxLength)
	assert.Equal(t, 32, *serial.MaxLength)

	cond, _ := items.Column("condition")
	assert.Equal(t, "item_condition", cond.EnumName)
	enum, ok := snap.Enum("item_condition")
	require.True(t, ok)
	assert.Equal(t, []string{"new", "used", "damaged"}, enum.Values)

	var required []string
	for _, c := range items.RequiredColumns() {
		required = append(required, c.Name)
	}
	assert.Equal(t, []string{"entry_id", "quantity"}, required)

	fk, ok := items.ForeignKeyFor("entry_id")
	require.True(t, ok)
	assert.Equal(t, "pending_entries", fk.RefTable)
}

func TestIntegration_ResolveReferences(t *testing.T) {
	d := testDriver(t)

	missing, err := d.ResolveReferences(context.Background(), "pending_entries", "id", []string{"1", "2", "9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, missing)
}

func TestIntegration_ConcurrentCreateColumn(t *testing.T) {
	d := testDriver(t)
	m := mutate.New(d, mutate.Policy{})
	const n = 6

	var mu sync.Mutex
	counts := make(map[mutate.Status]int)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res := m.CreateColumnSafe(context.Background(), mutate.Request{
				Table: "pending_entry_items", Column: "Cor Primária", Type: "text", RequestedBy: "it",
			})
			mu.Lock()
			counts[res.Status]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, counts[mutate.StatusCreated])
	assert.Equal(t, n-1, counts[mutate.StatusAlreadyExists])

	usage, err := d.ListUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.EqualValues(t, n, usage[0].Count)
}
