package backend

import (
	"context"
	"time"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/gateway"
	"github.com/koustreak/schemagate/internal/logger"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
)

var _ Backend = (*Remote)(nil)

// Remote serves every operation by calling inventory tools on a schemagate
// server through the gateway.
type Remote struct {
	client  *gateway.Client
	timeout time.Duration
	log     *logger.Logger
}

// NewRemote creates a Remote using client. timeout bounds each tool call; a
// non-positive value uses the client's default.
func NewRemote(client *gateway.Client, timeout time.Duration, log *logger.Logger) *Remote {
	return &Remote{
		client:  client,
		timeout: timeout,
		log:     logger.OrNop(log).Component("remote_backend"),
	}
}

// FetchMetadata asks the server for its snapshot and keeps only tables.
func (r *Remote) FetchMetadata(ctx context.Context, tables []string) (*schema.Snapshot, error) {
	var snap schema.Snapshot
	if err := r.call(ctx, OpGetAllSchemaMetadata, MetadataArgs{Tables: tables}, &snap); err != nil {
		return nil, err
	}
	out := schema.NewSnapshot()
	out.FetchedAt = snap.FetchedAt
	for name, e := range snap.Enums {
		out.Enums[name] = e
	}
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	for name, t := range snap.Tables {
		if len(tables) == 0 || want[name] {
			out.Tables[name] = t
		}
	}
	for name, msg := range snap.Failed {
		if len(tables) == 0 || want[name] {
			out.Failed[name] = msg
		}
	}
	return out, nil
}

func (r *Remote) ResolveReferences(ctx context.Context, table, column string, values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var res ReferenceResult
	err := r.call(ctx, OpResolveReferences, ReferenceArgs{Table: table, Column: column, Values: values}, &res)
	if err != nil {
		return nil, err
	}
	return res.Missing, nil
}

// CreateColumnSafe forwards req. A transport failure becomes a failed result
// with the fallback flag set, the same as a local store failure.
func (r *Remote) CreateColumnSafe(ctx context.Context, req mutate.Request) *mutate.Result {
	var res mutate.Result
	if err := r.call(ctx, OpCreateColumnSafe, req, &res); err != nil {
		r.log.ErrorWith("remote column creation failed", err, map[string]interface{}{
			"table":  req.Table,
			"column": req.Column,
		})
		return &mutate.Result{
			Status:   mutate.StatusFailed,
			Table:    req.Table,
			Column:   req.Column,
			Type:     req.Type,
			Reason:   mutate.ReasonTransportFailure,
			Fallback: true,
			Error:    err.Error(),
		}
	}
	return &res
}

func (r *Remote) ListUsage(ctx context.Context) ([]mutate.Usage, error) {
	var res UsageResult
	if err := r.call(ctx, OpListUsage, nil, &res); err != nil {
		return nil, err
	}
	return res.Usage, nil
}

// Ping lists the server's tools, bypassing the client cache.
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.client.ListTools(ctx, false)
	return err
}

func (r *Remote) Close() {}

func (r *Remote) call(ctx context.Context, op string, args, out any) error {
	res, err := r.client.CallTool(ctx, r.client.Tool(op), args, r.timeout)
	if err != nil {
		return remoteError(err)
	}
	return res.Decode(out)
}

// remoteError restores the error kind reported by the server, so a remote
// not_found reads the same as a local one.
func remoteError(err error) error {
	rpcErr, ok := gateway.RemoteError(err)
	if !ok || rpcErr.Data == nil {
		return err
	}
	kind := errs.ParseKind(rpcErr.Data.Kind)
	if kind == errs.ErrKindUnknown {
		return err
	}
	return errs.Wrap(kind, rpcErr.Message, err)
}
