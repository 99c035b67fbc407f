package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koustreak/schemagate/internal/backend"
	"github.com/koustreak/schemagate/internal/database/memory"
	"github.com/koustreak/schemagate/internal/errs"
	filemem "github.com/koustreak/schemagate/internal/filestore/memory"
	"github.com/koustreak/schemagate/internal/match"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/overflow"
	"github.com/koustreak/schemagate/internal/schema"
	"github.com/koustreak/schemagate/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var tables = []string{"pending_entry_items", "pending_entries"}

func seededDB() *memory.DB {
	db := memory.New()
	db.CreateEnum(&schema.Enum{Name: "item_condition", Values: []string{"new", "used", "damaged"}})
	db.CreateTable(&schema.Table{
		Name: "pending_entries",
		Columns: []schema.Column{
			{Name: "id", DataType: "bigint", PrimaryKey: true, Position: 1},
		},
	})
	db.CreateTable(&schema.Table{
		Name: "pending_entry_items",
		Columns: []schema.Column{
			{Name: "id", DataType: "bigint", PrimaryKey: true, Position: 1},
			{Name: "entry_id", DataType: "bigint", Position: 2},
			{Name: "serial_number", DataType: "text", Nullable: true, Position: 3},
			{Name: "quantity", DataType: "integer", Position: 4},
			{Name: "description", DataType: "text", Nullable: true, Position: 5},
			{Name: "condition", DataType: "USER-DEFINED", EnumName: "item_condition", Nullable: true, Position: 6},
		},
		ForeignKeys: []schema.ForeignKey{
			{Name: "items_entry_fk", Column: "entry_id", RefTable: "pending_entries", RefColumn: "id"},
		},
	})
	db.Insert("pending_entries", "id", "1", "2")
	return db
}

func newService(t *testing.T, db *memory.DB, opts ...Option) *Service {
	t.Helper()
	b := backend.NewDirect(db, mutate.DefaultPolicy(), nil)
	builtin := match.NewAliases(map[string]string{"Número de Série": "serial_number"})
	return New(b, Config{Tables: tables, BuiltinAliases: builtin}, opts...)
}

func TestService_BuiltinAliasScenario(t *testing.T) {
	s := newService(t, seededDB())

	cands, err := s.MatchColumn(context.Background(), "pending_entry_items", "Número de Série")

	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "serial_number", cands[0].Target)
	assert.Equal(t, match.TierBuiltinAlias, cands[0].Tier)
	assert.InDelta(t, 0.85, cands[0].Confidence, 1e-9)
}

func TestService_LearnedAlias(t *testing.T) {
	s := newService(t, seededDB())
	ctx := context.Background()

	cands, err := s.MatchColumn(ctx, "pending_entry_items", "Ref Fornecedor")
	require.NoError(t, err)
	for _, c := range cands {
		assert.NotEqual(t, match.TierLearnedAlias, c.Tier)
	}

	s.Learn("Ref Fornecedor", "serial_number")

	cands, err = s.MatchColumn(ctx, "pending_entry_items", "Ref Fornecedor")
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.Equal(t, match.TierLearnedAlias, cands[0].Tier)
	assert.Equal(t, "serial_number", cands[0].Target)
	assert.InDelta(t, 0.90, cands[0].Confidence, 1e-9)

	_, err = s.MatchColumn(ctx, "assets", "Ref Fornecedor")
	assert.True(t, errs.IsNotFound(err))
}

func TestService_MissingRequiredColumnScenario(t *testing.T) {
	s := newService(t, seededDB())

	issues, err := s.ValidateImport(context.Background(), "pending_entry_items",
		[]validate.Mapping{
			{Source: "Pedido", Target: "entry_id"},
			{Source: "Descrição", Target: "description"},
		},
		[]validate.Row{{"Pedido": "1", "Descrição": "Cadeira"}},
	)

	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, validate.SeverityError, issues[0].Severity)
	assert.Equal(t, validate.CodeMissingRequiredColumn, issues[0].Code)
	assert.Equal(t, "quantity", issues[0].Column)

	err = RequireValid(issues)
	assert.True(t, errs.IsValidationFailed(err))
}

func TestService_ValidateUsesEnumsAndReferences(t *testing.T) {
	s := newService(t, seededDB())

	issues, err := s.ValidateImport(context.Background(), "pending_entry_items",
		[]validate.Mapping{
			{Source: "Pedido", Target: "entry_id"},
			{Source: "Qtd", Target: "quantity"},
			{Source: "Estado", Target: "condition"},
		},
		[]validate.Row{
			{"Pedido": "1", "Qtd": "2", "Estado": "new"},
			{"Pedido": "7", "Qtd": "1", "Estado": "broken"},
			{"Pedido": "2", "Qtd": "5", "Estado": "used"},
		},
	)
	require.NoError(t, err)

	codes := map[string]validate.Severity{}
	for _, i := range issues {
		codes[i.Code] = i.Severity
	}
	assert.Equal(t, validate.SeverityError, codes[validate.CodeInvalidEnumValue])
	assert.Equal(t, validate.SeverityWarning, codes[validate.CodeUnresolvedReference])
	assert.NoError(t, RequireValid(validate.Filter(issues, validate.SeverityWarning)))
}

func TestService_ValidateUnknownTable(t *testing.T) {
	s := newService(t, seededDB())

	_, err := s.ValidateImport(context.Background(), "assets", nil, nil)
	assert.True(t, errs.IsNotFound(err))
}

func TestService_ConcurrentCreateScenario(t *testing.T) {
	db := seededDB()
	s := newService(t, db)
	ctx := context.Background()

	results := make([]*mutate.Result, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i] = s.CreateColumnSafe(ctx, mutate.Request{
				Table: "pending_entry_items", Column: "cor_primaria", Type: "text", RequestedBy: "agent",
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	statuses := []mutate.Status{results[0].Status, results[1].Status}
	assert.ElementsMatch(t, []mutate.Status{mutate.StatusCreated, mutate.StatusAlreadyExists}, statuses)

	created := 0
	for _, e := range db.Audit() {
		if e.Column == "cor_primaria" && e.Status == mutate.StatusCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestService_CreatedInvalidatesCache(t *testing.T) {
	db := seededDB()
	var fetches atomic.Int32
	db.OnFetch(func([]string) { fetches.Add(1) })
	s := newService(t, db)
	ctx := context.Background()

	_, err := s.GetTableSchema(ctx, "pending_entry_items")
	require.NoError(t, err)
	assert.False(t, s.ColumnExists("pending_entry_items", "voltagem"))

	res := s.CreateColumnSafe(ctx, mutate.Request{Table: "pending_entry_items", Column: "voltagem", Type: "integer"})
	require.Equal(t, mutate.StatusCreated, res.Status)
	assert.False(t, s.ColumnExists("pending_entry_items", "voltagem"), "no snapshot until next read")

	tbl, err := s.GetTableSchema(ctx, "pending_entry_items")
	require.NoError(t, err)
	assert.True(t, tbl.HasColumn("voltagem"))
	assert.True(t, s.ColumnExists("pending_entry_items", "voltagem"))
	assert.EqualValues(t, 2, fetches.Load())

	_, err = s.GetTableSchema(ctx, "pending_entry_items")
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetches.Load(), "served from cache within TTL")
}

func TestService_TableNotAllowedParksValues(t *testing.T) {
	store := filemem.New()
	require.NoError(t, store.EnsureBucket(context.Background(), "overflow"))
	sink := overflow.New(store, "overflow", nil)
	s := newService(t, seededDB(), WithOverflow(sink))
	ctx := context.Background()

	res := s.CreateColumnSafe(ctx, mutate.Request{
		Table: "assets", Column: "tag", Type: "text", SourceField: "Etiqueta", SampleValues: []string{"A-1"},
	})

	assert.Equal(t, mutate.StatusFailed, res.Status)
	assert.Equal(t, mutate.ReasonTableNotAllowed, res.Reason)
	assert.True(t, res.Fallback)
	require.NotEmpty(t, res.OverflowKey)

	recs, err := sink.Pending(ctx, "assets", "tag")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"A-1"}, recs[0].Values)
	assert.Equal(t, "Etiqueta", recs[0].SourceField)
	assert.Equal(t, mutate.ReasonTableNotAllowed, recs[0].Reason)
}

func TestService_ParkFailureIsNotFatal(t *testing.T) {
	store := filemem.New()
	require.NoError(t, store.EnsureBucket(context.Background(), "overflow"))
	store.FailPut(errors.New("disk full"))
	s := newService(t, seededDB(), WithOverflow(overflow.New(store, "overflow", nil)))

	res := s.CreateColumnSafe(context.Background(), mutate.Request{Table: "assets", Column: "tag"})

	assert.Equal(t, mutate.ReasonTableNotAllowed, res.Reason)
	assert.Empty(t, res.OverflowKey)
}

// scriptedBackend returns queued results from CreateColumnSafe.
type scriptedBackend struct {
	backend.Backend

	mu      sync.Mutex
	results []*mutate.Result
	calls   int
}

func (b *scriptedBackend) CreateColumnSafe(context.Context, mutate.Request) *mutate.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	r := b.results[0]
	if len(b.results) > 1 {
		b.results = b.results[1:]
	}
	return r
}

func (b *scriptedBackend) FetchMetadata(context.Context, []string) (*schema.Snapshot, error) {
	return schema.NewSnapshot(), nil
}

func lockTimeout() *mutate.Result {
	return &mutate.Result{Status: mutate.StatusFailed, Table: "pending_entries", Column: "lote",
		Reason: mutate.ReasonLockTimeout, Fallback: true}
}

func TestService_RetryPolicy(t *testing.T) {
	created := &mutate.Result{Status: mutate.StatusCreated, Table: "pending_entries", Column: "lote"}

	t.Run("fallback mode does not retry", func(t *testing.T) {
		b := &scriptedBackend{results: []*mutate.Result{lockTimeout(), created}}
		s := New(b, Config{Tables: tables})

		res := s.CreateColumnSafe(context.Background(), mutate.Request{Table: "pending_entries", Column: "lote"})

		assert.Equal(t, mutate.ReasonLockTimeout, res.Reason)
		assert.True(t, res.Fallback)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("retry mode backs off then succeeds", func(t *testing.T) {
		b := &scriptedBackend{results: []*mutate.Result{lockTimeout(), lockTimeout(), created}}
		s := New(b, Config{Tables: tables, Retry: RetryPolicy{
			Mode: RetryModeRetry, MaxAttempts: 5, Backoff: 10 * time.Millisecond, MaxBackoff: time.Second,
		}})
		var waits []time.Duration
		s.sleep = func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}

		res := s.CreateColumnSafe(context.Background(), mutate.Request{Table: "pending_entries", Column: "lote"})

		assert.Equal(t, mutate.StatusCreated, res.Status)
		assert.Equal(t, 3, b.calls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits)
	})

	t.Run("retry mode gives up after max attempts", func(t *testing.T) {
		b := &scriptedBackend{results: []*mutate.Result{lockTimeout()}}
		s := New(b, Config{Tables: tables, Retry: RetryPolicy{Mode: RetryModeRetry, MaxAttempts: 3}})
		s.sleep = func(context.Context, time.Duration) error { return nil }

		res := s.CreateColumnSafe(context.Background(), mutate.Request{Table: "pending_entries", Column: "lote"})

		assert.Equal(t, mutate.ReasonLockTimeout, res.Reason)
		assert.Equal(t, 3, b.calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		b := &scriptedBackend{results: []*mutate.Result{lockTimeout()}}
		s := New(b, Config{Tables: tables, Retry: RetryPolicy{Mode: RetryModeRetry, MaxAttempts: 10, Backoff: time.Hour}})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := s.CreateColumnSafe(ctx, mutate.Request{Table: "pending_entries", Column: "lote"})

		assert.Equal(t, mutate.ReasonLockTimeout, res.Reason)
		assert.Equal(t, 1, b.calls)
	})
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Mode: RetryModeRetry, MaxAttempts: 6, Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 300*time.Millisecond, p.delay(3))
	assert.Equal(t, 300*time.Millisecond, p.delay(5))
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.NoError(t, RetryPolicy{Mode: RetryModeRetry, MaxAttempts: 2}.Validate())
	assert.True(t, errs.IsInvalidInput(RetryPolicy{Mode: RetryModeRetry}.Validate()))
	assert.True(t, errs.IsInvalidInput(RetryPolicy{Mode: "sometimes"}.Validate()))
}
