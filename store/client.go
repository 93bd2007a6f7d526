package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// BranchMessage is the body of branch reads and writes, and the message
// pushed on listen connections.
type BranchMessage struct {
	Hash string `json:"hash"`
}

// Client talks to a store server over HTTP. Branch changes are pushed over a
// websocket.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		dialer:  websocket.DefaultDialer,
	}
}

func (c *Client) objectURL(hash string) string {
	return c.baseURL + "/objects/" + url.PathEscape(hash)
}

func (c *Client) branchURL(key string) string {
	return c.baseURL + "/branches/" + url.PathEscape(key)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func unexpectedStatus(method, target string, code int, body []byte) error {
	return fmt.Errorf("%s %s: unexpected status %d: %s", method, target, code, strings.TrimSpace(string(body)))
}

func (c *Client) GetObject(ctx context.Context, hash string) ([]byte, error) {
	target := c.objectURL(hash)
	data, code, err := c.do(ctx, http.MethodGet, target, nil)
	switch {
	case err != nil:
		return nil, err
	case code == http.StatusNotFound:
		return nil, ErrNotFound
	case code != http.StatusOK:
		return nil, unexpectedStatus(http.MethodGet, target, code, data)
	}
	return data, nil
}

func (c *Client) PutObject(ctx context.Context, hash string, data []byte) error {
	target := c.objectURL(hash)
	body, code, err := c.do(ctx, http.MethodPut, target, data)
	if err != nil {
		return err
	}
	if code != http.StatusNoContent && code != http.StatusOK {
		return unexpectedStatus(http.MethodPut, target, code, body)
	}
	return nil
}

func (c *Client) GetBranch(ctx context.Context, key string) (string, bool, error) {
	target := c.branchURL(key)
	data, code, err := c.do(ctx, http.MethodGet, target, nil)
	switch {
	case err != nil:
		return "", false, err
	case code == http.StatusNotFound:
		return "", false, nil
	case code != http.StatusOK:
		return "", false, unexpectedStatus(http.MethodGet, target, code, data)
	}
	var msg BranchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", false, fmt.Errorf("decode branch %s: %w", key, err)
	}
	return msg.Hash, true, nil
}

func (c *Client) PutBranch(ctx context.Context, key, hash string) error {
	body, err := json.Marshal(BranchMessage{Hash: hash})
	if err != nil {
		return err
	}
	target := c.branchURL(key)
	resp, code, err := c.do(ctx, http.MethodPut, target, body)
	if err != nil {
		return err
	}
	if code != http.StatusNoContent && code != http.StatusOK {
		return unexpectedStatus(http.MethodPut, target, code, resp)
	}
	return nil
}

// Listen keeps a websocket open until ctx is done. A dropped connection is
// returned as an error; reconnecting is up to the caller.
func (c *Client) Listen(ctx context.Context, key string, fn func(hash string)) error {
	wsURL := "ws" + strings.TrimPrefix(c.branchURL(key), "http") + "/listen"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		var msg BranchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen %s: %w", key, err)
		}
		fn(msg.Hash)
	}
}
