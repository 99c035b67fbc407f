// Package core composes the schema cache, matcher, validator and backend
// into the operations schemagate exposes.
//
// A Service works the same whether its backend is Direct or Remote. It adds
// three things on top of the components: the cache is invalidated after a
// column is created, lock timeouts follow the configured RetryPolicy, and
// values of fallback results are parked in the overflow sink when one is
// configured.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koustreak/schemagate/internal/backend"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/logger"
	"github.com/koustreak/schemagate/internal/match"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/overflow"
	"github.com/koustreak/schemagate/internal/schema"
	"github.com/koustreak/schemagate/internal/validate"
)

// Parker stores values out of schema. *overflow.Sink implements it.
type Parker interface {
	Park(ctx context.Context, rec overflow.Record) (string, error)
}

// Config tunes a Service.
type Config struct {
	// Tables are the tables the schema cache fetches.
	Tables    []string
	CacheTTL  time.Duration
	Matcher   match.Options
	Validator validate.Options
	Retry     RetryPolicy
	// BuiltinAliases is the static synonym dictionary.
	BuiltinAliases match.Aliases
}

// Service is the facade over all schemagate components. It is safe for
// concurrent use.
type Service struct {
	backend   backend.Backend
	cache     *schema.Cache
	matcher   *match.Matcher
	validator *validate.Validator
	builtin   match.Aliases
	retry     RetryPolicy
	parker    Parker
	log       *logger.Logger
	sleep     func(context.Context, time.Duration) error
	cacheOpts []schema.Option

	learnMu sync.Mutex
	learned atomic.Pointer[match.Aliases]
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = logger.OrNop(l) }
}

// WithOverflow parks the sample values of fallback results in p.
func WithOverflow(p Parker) Option {
	return func(s *Service) { s.parker = p }
}

// WithCacheOptions passes extra options to the schema cache.
func WithCacheOptions(opts ...schema.Option) Option {
	return func(s *Service) { s.cacheOpts = append(s.cacheOpts, opts...) }
}

// New builds a Service over b.
func New(b backend.Backend, cfg Config, opts ...Option) *Service {
	s := &Service{
		backend: b,
		matcher: match.New(cfg.Matcher),
		builtin: cfg.BuiltinAliases,
		retry:   cfg.Retry,
		log:     logger.Nop(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.Mode == "" {
		s.retry = DefaultRetryPolicy()
	}

	cacheOpts := append([]schema.Option{schema.WithTTL(cfg.CacheTTL), schema.WithLogger(s.log)}, s.cacheOpts...)
	s.cache = schema.NewCache(b, cfg.Tables, cacheOpts...)
	s.validator = validate.New(cfg.Validator, b, s.log)

	empty := match.Aliases{}
	s.learned.Store(&empty)
	s.log = s.log.Component("service")
	return s
}

// Cache returns the schema cache the Service reads through.
func (s *Service) Cache() *schema.Cache { return s.cache }

// Backend returns the backend the Service writes through.
func (s *Service) Backend() backend.Backend { return s.backend }

func (s *Service) GetTableSchema(ctx context.Context, table string) (*schema.Table, error) {
	return s.cache.GetTableSchema(ctx, table)
}

func (s *Service) GetEnumValues(ctx context.Context, enum string) ([]string, error) {
	return s.cache.GetEnumValues(ctx, enum)
}

func (s *Service) GetAllSchemaMetadata(ctx context.Context) (*schema.Snapshot, error) {
	return s.cache.GetAllSchemaMetadata(ctx)
}

// ColumnExists answers from the current snapshot without refreshing it.
func (s *Service) ColumnExists(table, column string) bool {
	return s.cache.ColumnExists(table, column)
}

// MatchColumn proposes columns of table for the source field name.
func (s *Service) MatchColumn(ctx context.Context, table, source string) ([]match.Candidate, error) {
	t, err := s.cache.GetTableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	return s.matcher.Match(source, t, s.builtin, *s.learned.Load()), nil
}

// Learn records a confirmed source → column mapping for the learned-alias
// tier.
func (s *Service) Learn(source, column string) {
	s.learnMu.Lock()
	defer s.learnMu.Unlock()

	cur := *s.learned.Load()
	next := make(match.Aliases, len(cur)+1)
	for k, v := range cur {
		next[k] = append([]string(nil), v...)
	}
	next.Add(source, column)
	s.learned.Store(&next)
}

// ValidateImport runs the import rule set for table. An error is returned
// only when the table schema itself cannot be obtained.
func (s *Service) ValidateImport(ctx context.Context, table string, mappings []validate.Mapping, rows []validate.Row) ([]validate.Issue, error) {
	snap, err := s.cache.GetAllSchemaMetadata(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := snap.Table(table)
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "table %q is not in the schema snapshot", table)
	}
	return s.validator.Validate(ctx, t, snap, mappings, rows), nil
}

// RequireValid returns an ErrKindValidationFailed error when issues contain
// an error-severity finding.
func RequireValid(issues []validate.Issue) error {
	return validate.AsError(issues)
}

// CreateColumnSafe creates the requested column, retrying lock timeouts per
// the RetryPolicy. After a created result the schema cache is invalidated.
// When the final result asks for fallback and an overflow sink is set, the
// request's sample values are parked and the key is returned in the result.
func (s *Service) CreateColumnSafe(ctx context.Context, req mutate.Request) *mutate.Result {
	var res *mutate.Result
	attempts := s.retry.attempts()
	for n := 1; ; n++ {
		res = s.backend.CreateColumnSafe(ctx, req)
		if res.Reason != mutate.ReasonLockTimeout || n >= attempts {
			break
		}
		wait := s.retry.delay(n)
		s.log.InfoWith("column lock busy, retrying", map[string]interface{}{
			"table":   res.Table,
			"column":  res.Column,
			"attempt": n,
			"wait":    wait.String(),
		})
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}

	switch {
	case res.Status == mutate.StatusCreated:
		s.cache.Invalidate()
	case res.Status == mutate.StatusAlreadyExists && !s.cache.ColumnExists(res.Table, res.Column):
		// Created by someone else since the snapshot was taken.
		s.cache.Invalidate()
	case res.Fallback && s.parker != nil:
		s.park(ctx, req, res)
	}
	return res
}

func (s *Service) park(ctx context.Context, req mutate.Request, res *mutate.Result) {
	column := res.Column
	if column == "" {
		column = "_unnamed"
	}
	table := res.Table
	if table == "" {
		table = "_unnamed"
	}
	key, err := s.parker.Park(context.WithoutCancel(ctx), overflow.Record{
		Table:       table,
		Column:      column,
		Type:        res.Type,
		SourceField: req.SourceField,
		RequestedBy: req.RequestedBy,
		Reason:      res.Reason,
		Values:      req.SampleValues,
	})
	if err != nil {
		s.log.ErrorWith("failed to park overflow values", err, map[string]interface{}{
			"table":  table,
			"column": column,
		})
		return
	}
	res.OverflowKey = key
}

// ListUsage returns the usage counters of dynamically created columns.
func (s *Service) ListUsage(ctx context.Context) ([]mutate.Usage, error) {
	return s.backend.ListUsage(ctx)
}

// ResolveReferences checks values against table.column in the backing store.
func (s *Service) ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error) {
	return s.backend.ResolveReferences(ctx, table, column, values)
}

// Ping checks the backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}
