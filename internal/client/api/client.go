// Package api is the client-side HTTP transport to the cardsync server.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardsync/internal/convert"
	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
)

// StatusError is a non-2xx answer without a more specific mapping.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Code, e.Message)
}

// Client calls the sync and business endpoints with a bearer token.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

// New constructs a client for base (e.g. "http://localhost:8080").
// A nil hc uses a client with a 10s timeout.
func New(base, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: base, token: token, hc: hc}
}

// Health probes the unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Pull fetches every change after since.
func (c *Client) Pull(ctx context.Context, since time.Time) (model.PullResult, error) {
	path := "/sync/pull"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var resp convert.PullResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return model.PullResult{}, err
	}
	return convert.FromPullResponse(resp)
}

// Push sends changes and returns one outcome per change, in order.
func (c *Client) Push(ctx context.Context, changes []model.Change) (model.PushResult, error) {
	req := convert.PushRequest{Changes: make([]convert.ChangeDTO, 0, len(changes))}
	colls := make(map[string]model.Collection, len(changes))
	for _, ch := range changes {
		req.Changes = append(req.Changes, convert.ToChangeDTO(ch))
		colls[ch.OutboxID] = ch.Collection
	}

	var resp convert.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", req, &resp); err != nil {
		return model.PushResult{}, err
	}

	out := model.PushResult{ServerTime: resp.ServerTime, Results: make([]model.Outcome, 0, len(resp.Results))}
	for _, r := range resp.Results {
		o, err := convert.FromResultDTO(colls[r.OutboxID], r)
		if err != nil {
			return model.PushResult{}, err
		}
		out.Results = append(out.Results, o)
	}
	return out, nil
}

// List returns the caller's live rows of coll.
func (c *Client) List(ctx context.Context, coll model.Collection) ([]model.Entity, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/"+string(coll), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(raw))
	for _, r := range raw {
		e, err := convert.EntityFromWire(coll, r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns one live row.
func (c *Client) Get(ctx context.Context, coll model.Collection, id uuid.UUID) (model.Entity, error) {
	return c.entity(ctx, coll, http.MethodGet, entityPath(coll, id), nil)
}

// Create inserts a row with a client-generated id.
func (c *Client) Create(ctx context.Context, coll model.Collection, id uuid.UUID, data json.RawMessage) (model.Entity, error) {
	return c.entity(ctx, coll, http.MethodPost, "/api/"+string(coll), convert.CreateRequest{ID: id.String(), Data: data})
}

// Update merges data into the row at version.
func (c *Client) Update(ctx context.Context, coll model.Collection, id uuid.UUID, version int64, data json.RawMessage) (model.Entity, error) {
	return c.entity(ctx, coll, http.MethodPatch, entityPath(coll, id), convert.UpdateRequest{Version: version, Data: data})
}

// Delete tombstones the row at version.
func (c *Client) Delete(ctx context.Context, coll model.Collection, id uuid.UUID, version int64) (model.Entity, error) {
	path := entityPath(coll, id) + "?version=" + strconv.FormatInt(version, 10)
	return c.entity(ctx, coll, http.MethodDelete, path, nil)
}

func entityPath(coll model.Collection, id uuid.UUID) string {
	return "/api/" + string(coll) + "/" + id.String()
}

func (c *Client) entity(ctx context.Context, coll model.Collection, method, path string, body any) (model.Entity, error) {
	var raw json.RawMessage
	if err := c.do(ctx, method, path, body, &raw); err != nil {
		var ce *errs.ConflictError
		if errors.As(err, &ce) {
			ce.Current.Collection = coll
		}
		return model.Entity{}, err
	}
	return convert.EntityFromWire(coll, raw)
}

// do performs one round-trip. Transport failures (the request never got an
// answer) wrap errs.ErrTransient; every HTTP answer is terminal.
func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", errs.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", errs.ErrTransient, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dst == nil {
			return nil
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return statusErr(resp.StatusCode, payload)
}

func statusErr(code int, payload []byte) error {
	var body struct {
		Error         string          `json:"error"`
		ServerVersion int64           `json:"serverVersion"`
		ServerData    json.RawMessage `json:"serverData"`
	}
	_ = json.Unmarshal(payload, &body)

	switch code {
	case http.StatusConflict:
		if len(body.ServerData) > 0 {
			e, err := convert.EntityFromWire("", body.ServerData)
			if err == nil {
				return errs.Conflict(e)
			}
		}
		return errs.ErrVersionConflict
	case http.StatusBadRequest:
		return errs.Invalid("%s", body.Error)
	case http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case http.StatusNotFound:
		return errs.ErrNotFound
	default:
		return &StatusError{Code: code, Message: body.Error}
	}
}
