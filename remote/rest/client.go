// Package rest talks to the entity HTTP API. Client implements both
// optisync.Remote and optisync.Fetcher.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/unkn0wn-root/optisync"
)

const defaultTimeout = 10 * time.Second

// maxBody bounds response bodies read into memory.
const maxBody = 4 << 20

// errUnreadableBody marks a 2xx whose body could not be read or decoded.
// The status already says the server applied the request.
var errUnreadableBody = errors.New("rest: unreadable response body")

// Options configure a Client.
type Options struct {
	BaseURL string
	Token   string // sent as a bearer token when non-empty
	Timeout time.Duration
	HTTP    *http.Client
	Logger  optisync.Logger
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   optisync.Logger
}

var (
	_ optisync.Remote  = (*Client)(nil)
	_ optisync.Fetcher = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("rest: BaseURL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest: base url: %w", err)
	}
	hc := opts.HTTP
	if hc == nil {
		to := opts.Timeout
		if to <= 0 {
			to = defaultTimeout
		}
		hc = &http.Client{Timeout: to}
	}
	var log optisync.Logger = optisync.NopLogger{}
	if opts.Logger != nil {
		log = opts.Logger
	}
	return &Client{base: base, token: opts.Token, http: hc, log: log}, nil
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Reason string          `json:"reason"`
}

// Update sends PATCH /entities/{type}/{id}. A null field in the patch
// removes it server-side.
func (c *Client) Update(ctx context.Context, key optisync.Key, patch optisync.Patch) (optisync.Document, error) {
	if key.IsList() {
		return nil, fmt.Errorf("rest: cannot update list %s", key)
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("rest: encode patch: %w", err)
	}
	env, status, err := c.do(ctx, http.MethodPatch, c.detailURL(key), body)
	if errors.Is(err, errUnreadableBody) {
		c.log.Warn("update applied, body dropped", optisync.Fields{"key": key.String(), "err": err})
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(env.Data) == 0 {
		return nil, nil
	}
	var doc optisync.Document
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		c.log.Warn("update applied, body dropped", optisync.Fields{"key": key.String(), "err": err})
		return nil, nil
	}
	return doc, nil
}

// Delete sends DELETE /entities/{type}/{id}. A 404 counts as deleted.
func (c *Client) Delete(ctx context.Context, key optisync.Key) error {
	_, _, err := c.do(ctx, http.MethodDelete, c.detailURL(key), nil)
	if errors.Is(err, errUnreadableBody) {
		c.log.Warn("delete applied, body dropped", optisync.Fields{"key": key.String(), "err": err})
		return nil
	}
	var re *optisync.RemoteError
	if errors.As(err, &re) && re.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Fetch loads a detail or a list view. A missing detail entity yields
// (nil, nil). Lists come back as {"items": [...]}.
func (c *Client) Fetch(ctx context.Context, key optisync.Key) (optisync.Document, error) {
	u := c.detailURL(key)
	if key.IsList() {
		u = c.listURL(key)
	}
	env, _, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		var re *optisync.RemoteError
		if !key.IsList() && errors.As(err, &re) && re.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if key.IsList() {
		var items []any
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &items); err != nil {
				return nil, fmt.Errorf("rest: decode %s: %w", key, err)
			}
		}
		if items == nil {
			items = []any{}
		}
		return optisync.Document{"items": items}, nil
	}
	var doc optisync.Document
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		return nil, fmt.Errorf("rest: decode %s: %w", key, err)
	}
	return doc, nil
}

func (c *Client) detailURL(k optisync.Key) string {
	u := *c.base
	u.Path += "/entities/" + url.PathEscape(string(k.Type)) + "/" + url.PathEscape(k.ID)
	return u.String()
}

func (c *Client) listURL(k optisync.Key) string {
	u := *c.base
	u.Path += "/entities/" + url.PathEscape(string(k.Type))
	u.RawQuery = k.Query
	return u.String()
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (envelope, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return envelope{}, 0, fmt.Errorf("rest: %s %s: %w", method, u, ctx.Err())
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return envelope{}, 0, fmt.Errorf("rest: %s %s: %w: %v", method, u, optisync.ErrTimeout, err)
		}
		return envelope{}, 0, fmt.Errorf("rest: %s %s: %w: %v", method, u, optisync.ErrNetwork, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	raw, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if rerr == nil && len(raw) > maxBody {
		rerr = fmt.Errorf("body exceeds %d bytes", maxBody)
	}
	if rerr != nil && ok {
		return envelope{}, resp.StatusCode, fmt.Errorf("rest: %s %s: %w: %v", method, u, errUnreadableBody, rerr)
	}
	var env envelope
	if rerr == nil && len(bytes.TrimSpace(raw)) > 0 {
		if jerr := json.Unmarshal(raw, &env); jerr != nil && ok {
			return envelope{}, resp.StatusCode, fmt.Errorf("rest: %s %s: %w: %v", method, u, errUnreadableBody, jerr)
		}
	}

	switch s := resp.StatusCode; {
	case ok:
		return env, s, nil
	case s == http.StatusRequestTimeout || s == http.StatusGatewayTimeout:
		return env, s, fmt.Errorf("rest: %s %s: %w (%d)", method, u, optisync.ErrTimeout, s)
	case s == http.StatusBadGateway || s == http.StatusServiceUnavailable:
		return env, s, fmt.Errorf("rest: %s %s: %w (%d)", method, u, optisync.ErrNetwork, s)
	default:
		reason := env.Reason
		if reason == "" {
			reason = http.StatusText(s)
		}
		c.log.Debug("remote rejected", optisync.Fields{"method": method, "status": s, "reason": reason})
		return env, s, &optisync.RemoteError{Status: s, Reason: reason}
	}
}
