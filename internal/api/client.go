// Package api is a thin JSON client for the RSVP REST surface. It holds no
// state beyond the base URL and carries no business rules; callers decide
// what a status code means for them.
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
	"strings"
	"time"

	"github.com/DoyleJ11/cha-panelas/internal/types"
)

const AdminHeader = "X-Admin-Password"

var (
	ErrConflict     = errors.New("api: conflict")
	ErrUnauthorized = errors.New("api: unauthorized")
)

// StatusError is returned for every non-2xx response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: HTTP %d", e.Status)
	}
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Message)
}

// Is lets callers test errors.Is(err, ErrConflict) and
// errors.Is(err, ErrUnauthorized).
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Status == http.StatusConflict
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for base, e.g. "http://localhost:8080/api". A nil
// httpClient gets a 15 second timeout.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

func (c *Client) BaseURL() string { return c.base }

// HTTPClient is shared with the push transports.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) Items(ctx context.Context) ([]types.Item, error) {
	var items []types.Item
	if err := c.do(ctx, http.MethodGet, "/itens", "", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) RSVP(ctx context.Context, name, honeypot string) (types.RSVPResponse, error) {
	var resp types.RSVPResponse
	err := c.do(ctx, http.MethodPost, "/rsvp", "", types.RSVPRequest{Name: name, Honeypot: honeypot}, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, guestID, itemID int64) error {
	return c.do(ctx, http.MethodPost, "/escolha", "", types.ClaimRequest{GuestID: guestID, ItemID: itemID}, nil)
}

func (c *Client) Guests(ctx context.Context, secret, q string) ([]types.Guest, error) {
	path := "/admin/convidados"
	if q != "" {
		path += "?q=" + url.QueryEscape(q)
	}
	var guests []types.Guest
	if err := c.do(ctx, http.MethodGet, path, secret, nil, &guests); err != nil {
		return nil, err
	}
	return guests, nil
}

func (c *Client) Release(ctx context.Context, secret string, guestID int64) error {
	return c.do(ctx, http.MethodPost, "/admin/liberar", secret, types.GuestRequest{GuestID: guestID}, nil)
}

func (c *Client) Remove(ctx context.Context, secret string, guestID int64) error {
	return c.do(ctx, http.MethodPost, "/admin/remover", secret, types.GuestRequest{GuestID: guestID}, nil)
}

func (c *Client) Stats(ctx context.Context, secret string) (types.Stats, error) {
	var st types.Stats
	err := c.do(ctx, http.MethodGet, "/admin/stats", secret, nil, &st)
	return st, err
}

func (c *Client) Reset(ctx context.Context, secret string) error {
	return c.do(ctx, http.MethodPost, "/admin/reset", secret, nil, nil)
}

// do sends body as JSON and decodes a 2xx response into out when out is
// non-nil. Non-2xx responses become a *StatusError carrying the server's
// "error" field, or the raw body when it is not JSON.
func (c *Client) do(ctx context.Context, method, path, secret string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set(AdminHeader, secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
