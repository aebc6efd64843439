package rowstore

import (
	"context"
	"fmt"
	"time"

	"github.com/slidoc/slidoc/internal/model"
)

// Transport delivers row-store requests. Implementations may be plain
// request/response (responses can arrive out of order across calls) or
// a persistent ordered channel.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	// Ordered reports whether the transport guarantees strict in-order
	// delivery, which relaxes the timestamp-conflict expectation on
	// mutating calls.
	Ordered() bool
}

// PutOpts modify a PutRow call.
type PutOpts struct {
	// Get returns the resulting row.
	Get bool
	// NoOverwrite makes the put a create-if-absent.
	NoOverwrite bool
	// Submit marks the write as the terminal submission save.
	Submit bool
}

// ColumnValue is one [column, value] pair of a partial update.
type ColumnValue struct {
	Column string
	Value  any
}

// Client accesses one session sheet on behalf of one user (or an
// admin). It tracks the latest observed server timestamp per row id so
// out-of-sequence responses are detected rather than silently applied.
type Client struct {
	transport Transport
	sheet     string
	profile   *model.UserProfile

	headers []string
	// latest maps row id to the newest server timestamp applied.
	latest map[string]string
	// cache holds rows from the last bulk GetAll; it is populated only
	// for the admin grading path, never for per-learner access.
	cache map[string]model.Row
}

// NewClient creates a client for one sheet.
func NewClient(t Transport, sheet string, profile *model.UserProfile) *Client {
	return &Client{
		transport: t,
		sheet:     sheet,
		profile:   profile,
		latest:    make(map[string]string),
		cache:     make(map[string]model.Row),
	}
}

// Headers returns the sheet schema observed on the last call.
func (c *Client) Headers() []string { return c.headers }

// LastTimestamp returns the newest server timestamp observed for id.
func (c *Client) LastTimestamp(id string) string { return c.latest[id] }

func (c *Client) newRequest() *Request {
	req := &Request{
		Sheet:     c.sheet,
		ID:        c.profile.UserID,
		Token:     c.profile.Token,
		LateToken: c.profile.LateToken,
	}
	if c.profile.Admin {
		req.Admin = c.profile.UserID
	}
	return req
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	if len(resp.Headers) > 0 {
		c.headers = resp.Headers
	}
	return resp, nil
}

// observe records a row's server timestamp, rejecting any response that
// would regress the latest one already applied for that id.
func (c *Client) observe(id, ts string) error {
	if ts == "" || id == "" {
		return nil
	}
	if prev, ok := c.latest[id]; ok && newerTimestamp(prev, ts) {
		return fmt.Errorf("%w: id %s: observed %s after %s", ErrStaleResponse, id, ts, prev)
	}
	c.latest[id] = ts
	return nil
}

// newerTimestamp reports whether a is strictly newer than b.
func newerTimestamp(a, b string) bool {
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	if okA && okB {
		return ta.After(tb)
	}
	return false
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// GetRow fetches the row for the given id, returning an empty row when
// absent.
func (c *Client) GetRow(ctx context.Context, id string) (model.Row, error) {
	req := c.newRequest()
	req.ID = id
	req.Get = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 {
		return model.Row{}, nil
	}
	row, err := model.RowFromValues(resp.Headers, resp.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := c.observe(id, resp.Timestamp); err != nil {
		return nil, err
	}
	return row, nil
}

// PutRow inserts or overwrites a full row. Mutating calls carry the
// last observed timestamp as the expected prior value unless the
// transport is ordered.
func (c *Client) PutRow(ctx context.Context, headers []string, row model.Row, opts PutOpts) (model.Row, error) {
	id := row.ID()
	req := c.newRequest()
	req.ID = id
	req.Headers = headers
	req.Row = row.Values(headers)
	req.Get = opts.Get
	req.NoOverwrite = opts.NoOverwrite
	req.Submit = opts.Submit
	if !c.transport.Ordered() {
		req.Timestamp = c.latest[id]
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.observe(id, resp.Timestamp); err != nil {
		return nil, err
	}
	if !opts.Get {
		return nil, nil
	}
	got, err := model.RowFromValues(resp.Headers, resp.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return got, nil
}

// UpdateRow applies a partial column update to the row for id. The
// server rejects unrecognized column names.
func (c *Client) UpdateRow(ctx context.Context, id string, updates []ColumnValue, get bool) (model.Row, error) {
	req := c.newRequest()
	req.ID = id
	req.Get = get
	req.Update = make([][]any, len(updates))
	for i, u := range updates {
		req.Update[i] = []any{u.Column, u.Value}
	}
	if !c.transport.Ordered() {
		req.Timestamp = c.latest[id]
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.observe(id, resp.Timestamp); err != nil {
		return nil, err
	}
	if !get {
		return nil, nil
	}
	got, err := model.RowFromValues(resp.Headers, resp.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return got, nil
}

// DelRow trashes the row for id (admin only in practice).
func (c *Client) DelRow(ctx context.Context, id string) error {
	req := c.newRequest()
	req.ID = id
	req.Delete = true
	_, err := c.do(ctx, req)
	return err
}

// GetShare reads one column-group (e.g. "q2_response") across all rows
// for peer-response display.
func (c *Client) GetShare(ctx context.Context, colPrefix string) ([]string, [][]any, error) {
	req := c.newRequest()
	req.GetShare = colPrefix
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return resp.Headers, resp.Values, nil
}

// GetAll bulk-reads every row, warming the admin grading cache.
func (c *Client) GetAll(ctx context.Context) (map[string]model.Row, error) {
	req := c.newRequest()
	req.All = true
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]model.Row, len(resp.Values))
	for _, vals := range resp.Values {
		row, err := model.RowFromValues(resp.Headers, vals)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		rows[row.ID()] = row
	}
	c.cache = rows
	return rows, nil
}

// Cached returns a row from the admin bulk cache, or nil.
func (c *Client) Cached(id string) model.Row { return c.cache[id] }
