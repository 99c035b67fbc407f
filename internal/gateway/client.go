// Package gateway is a client for a remote tools endpoint speaking JSON-RPC
// 2.0 over HTTPS.
//
// Every request is signed with AWS Signature Version 4. Credentials are
// retrieved from the configured provider for each request, so short-lived
// credentials rotate without the caller noticing. The client never retries;
// retry and backoff belong to the caller.
//
// Usage:
//
//	creds, err := gateway.LoadCredentials(ctx, cfg)
//	client, err := gateway.New(cfg, creds, gateway.WithLogger(log))
//
//	tools, err := client.ListTools(ctx, true)
//	res, err := client.CallTool(ctx, "inventory__column_exists", args, 10*time.Second)
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/google/uuid"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/logger"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// Config describes the remote endpoint and its signing scope.
type Config struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Region    string        `mapstructure:"region"`
	Service   string        `mapstructure:"service"` // SigV4 signing name, e.g. execute-api or lambda
	Timeout   time.Duration `mapstructure:"timeout"`
	ToolGroup string        `mapstructure:"tool_group"`

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// DefaultConfig returns a Config for endpoint with the default signing scope.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:  endpoint,
		Region:    "us-east-1",
		Service:   "execute-api",
		Timeout:   30 * time.Second,
		ToolGroup: "inventory",
	}
}

// Validate checks that the Config can be used to build a Client.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errs.New(errs.ErrKindInvalidInput, "gateway: endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errs.Newf(errs.ErrKindInvalidInput, "gateway: endpoint %q is not an http(s) URL", c.Endpoint)
	}
	if c.Region == "" {
		return errs.New(errs.ErrKindInvalidInput, "gateway: region is required")
	}
	if c.Service == "" {
		return errs.New(errs.ErrKindInvalidInput, "gateway: service is required")
	}
	return nil
}

// Client calls the remote tools endpoint. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	creds  aws.CredentialsProvider
	signer *v4.Signer
	now    func() time.Time
	newID  func() string
	log    *logger.Logger

	mu     sync.Mutex
	tools  []Tool
	cached bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger used for per-call messages.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.log = logger.OrNop(l).Component("gateway")
	}
}

// WithClock injects the signing time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Client. creds is wrapped in an aws.CredentialsCache unless it
// already is one.
func New(cfg Config, creds aws.CredentialsProvider, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "gateway: credentials provider is required")
	}
	if _, ok := creds.(*aws.CredentialsCache); !ok {
		creds = aws.NewCredentialsCache(creds)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		creds:  creds,
		signer: v4.NewSigner(),
		now:    time.Now,
		newID:  uuid.NewString,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Tool returns the full name of operation within the configured group.
func (c *Client) Tool(operation string) string {
	return ToolName(c.cfg.ToolGroup, operation)
}

// ListTools returns every tool the endpoint exposes, following cursors until
// none remains. With useCache the last accumulated list is returned if there
// is one. The cache has no TTL; see ClearCache.
func (c *Client) ListTools(ctx context.Context, useCache bool) ([]Tool, error) {
	if useCache {
		c.mu.Lock()
		if c.cached {
			tools := append([]Tool(nil), c.tools...)
			c.mu.Unlock()
			return tools, nil
		}
		c.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		all    []Tool
		cursor string
		seen   = make(map[string]bool)
	)
	for {
		var page ListToolsResult
		if err := c.call(ctx, MethodListTools, ListToolsParams{Cursor: cursor}, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			break
		}
		if seen[page.NextCursor] {
			return nil, errs.Newf(errs.ErrKindMalformedResponse, "tools/list: cursor %q repeated", page.NextCursor)
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.tools = all
	c.cached = true
	c.mu.Unlock()

	return append([]Tool(nil), all...), nil
}

// ClearCache drops the cached tool list.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.tools = nil
	c.cached = false
	c.mu.Unlock()
}

// CallTool invokes the named tool with args and returns its first text or
// JSON payload. A non-positive timeout uses the configured default.
func (c *Client) CallTool(ctx context.Context, name string, args any, timeout time.Duration) (*CallResult, error) {
	if name == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "gateway: tool name is required")
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := CallToolParams{Name: name}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, errs.Wrap(errs.ErrKindInvalidInput, "gateway: encode arguments of "+name, err)
		}
		params.Arguments = raw
	}

	var result CallToolResult
	if err := c.call(ctx, MethodCallTool, params, &result); err != nil {
		return nil, err
	}

	res := extract(name, &result)
	if result.IsError {
		return res, errs.Newf(errs.ErrKindTransportFailure, "tool %s reported an error: %s", name, res.Text)
	}
	return res, nil
}

// call sends one signed JSON-RPC request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, method+": encode params", err)
	}
	id := c.newID()
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams})
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, method+": encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, method+": build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.sign(ctx, req, body); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(errs.ErrKindTimeout, method+": request timed out", err)
		}
		return errs.Wrap(errs.ErrKindTransportFailure, method+": request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errs.Wrap(errs.ErrKindTransportFailure, method+": read response", err)
	}

	c.log.DebugWith("gateway call", map[string]interface{}{
		"method":      method,
		"id":          id,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode >= 400 {
		return errs.Wrap(errs.ErrKindTransportFailure,
			fmt.Sprintf("%s: HTTP %d", method, resp.StatusCode),
			&HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)})
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return errs.Wrap(errs.ErrKindMalformedResponse, method+": decode response envelope", err)
	}
	if rpcResp.Error != nil {
		return errs.Wrap(errs.ErrKindTransportFailure, method+": "+rpcResp.Error.Message, rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 {
		return errs.New(errs.ErrKindMalformedResponse, method+": response has neither result nor error")
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errs.Wrap(errs.ErrKindMalformedResponse, method+": decode result", err)
	}
	return nil
}

// sign attaches SigV4 headers computed over method, URL and body.
func (c *Client) sign(ctx context.Context, req *http.Request, body []byte) error {
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return errs.Wrap(errs.ErrKindTransportFailure, "gateway: retrieve signing credentials", err)
	}
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", hash)

	if err := c.signer.SignHTTP(ctx, creds, req, hash, c.cfg.Service, c.cfg.Region, c.now()); err != nil {
		return errs.Wrap(errs.ErrKindTransportFailure, "gateway: sign request", err)
	}
	return nil
}

// HTTPError is the cause attached to a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// RemoteError returns the RPC error object carried by err, if any.
func RemoteError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
