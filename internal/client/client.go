// Package client is the Go client for the deskagent local control API.
// Used by the CLI.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to deskagent over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the deskagent unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 0, // no timeout for streaming
		},
		baseURL: "http://deskagent",
	}
}

// Send submits a command and returns its structured result. A command
// that ran and failed is not an error here; check Success and Reason.
func (c *Client) Send(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	var out CommandResult
	if err := c.doJSON(ctx, "POST", "/v1/commands", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns the live desktop sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.doJSON(ctx, "GET", "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Events returns the buffered helper messages of a session, the last
// tail of them if tail > 0.
func (c *Client) Events(ctx context.Context, sessionID string, tail int) ([]Event, error) {
	rc, err := c.StreamEvents(ctx, sessionID, false, tail)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []Event
	dec := json.NewDecoder(rc)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// StreamEvents returns a reader for a session's helper messages (NDJSON
// stream). Caller must close the returned ReadCloser.
func (c *Client) StreamEvents(ctx context.Context, sessionID string, follow bool, tail int) (io.ReadCloser, error) {
	params := url.Values{}
	if follow {
		params.Set("follow", "true")
	}
	if tail > 0 {
		params.Set("tail", strconv.Itoa(tail))
	}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// FollowEvents calls fn for each helper message until ctx ends or the
// stream closes.
func (c *Client) FollowEvents(ctx context.Context, sessionID string, fn func(Event)) error {
	rc, err := c.StreamEvents(ctx, sessionID, true, 0)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sc.Err()
}

// Journal returns session journal entries, oldest first.
func (c *Client) Journal(ctx context.Context, q JournalQuery) ([]JournalEntry, error) {
	params := url.Values{}
	if q.SessionID != "" {
		params.Set("session", q.SessionID)
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/journal"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out []JournalEntry
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Internal helpers ---

// doJSON makes a JSON request and decodes the JSON response into result.
// If body is non-nil, it's encoded as JSON. If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response.
// Caller is responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
