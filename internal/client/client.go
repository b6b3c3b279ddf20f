// Package client talks to the bakeplan API. A Client satisfies
// plansync.RemoteStore, so a Synchronizer can run against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"bakeplan/api/internal/plansync"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges a display name, and its password once the name is
// claimed, for a bearer token.
func Login(ctx context.Context, baseURL, name, password string, opts ...Option) (string, error) {
	c := New(baseURL, "", opts...)
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"name": name}
	if password != "" {
		body["password"] = password
	}
	if err := c.do(ctx, http.MethodPost, "/api/session/login", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) Get(ctx context.Context, planID string) (plansync.Record, error) {
	var out struct {
		Plan plansync.Record `json:"plan"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/plans/"+url.PathEscape(planID), nil, &out); err != nil {
		return plansync.Record{}, err
	}
	return out.Plan, nil
}

func (c *Client) Update(ctx context.Context, planID string, changes plansync.ChangeSet) error {
	return c.do(ctx, http.MethodPatch, "/api/plans/"+url.PathEscape(planID), changes.Patch(), nil)
}

// Subscribe opens the plan's websocket stream. The first event is the
// current record.
func (c *Client) Subscribe(ctx context.Context, planID string) (<-chan plansync.Event, func(), error) {
	wsURL, err := c.streamURL(planID)
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil, fmt.Errorf("subscribe %s: %w", planID, plansync.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("subscribe %s: %w", planID, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	out := make(chan plansync.Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for {
			var msg struct {
				Type   string           `json:"type"`
				Record *plansync.Record `json:"record"`
				Error  string           `json:"error"`
			}
			if err := wsjson.Read(streamCtx, conn, &msg); err != nil {
				if streamCtx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.deliver(streamCtx, out, plansync.Event{Err: fmt.Errorf("read stream %s: %w", planID, err)})
				}
				return
			}
			ev := plansync.Event{Err: errors.New(msg.Error)}
			if msg.Record != nil {
				ev = plansync.Event{Record: *msg.Record}
			}
			if !c.deliver(streamCtx, out, ev) {
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "")
			<-done
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()
	return out, unsubscribe, nil
}

func (c *Client) deliver(ctx context.Context, out chan<- plansync.Event, ev plansync.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) streamURL(planID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/plans/" + url.PathEscape(planID) + "/subscribe")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Download fetches a binary export of planID and returns it with the
// filename the server suggested.
func (c *Client) Download(ctx context.Context, planID, format string) ([]byte, string, error) {
	path := "/api/plans/" + url.PathEscape(planID) + "/export?format=" + url.QueryEscape(format)
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read export: %w", err)
	}
	filename := planID + "." + format
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	return data, filename, nil
}

// Revision is one entry of a plan's history.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Client) Revisions(ctx context.Context, planID string, limit int) ([]Revision, error) {
	var out struct {
		Revisions []Revision `json:"revisions"`
	}
	path := fmt.Sprintf("/api/plans/%s/revisions?limit=%d", url.PathEscape(planID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Revisions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx answers into an *APIError. On
// success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var apiErr struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	callErr := &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", plansync.ErrNotFound, callErr)
	}
	return nil, callErr
}
