package rpc

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

// Client calls a Bridge from inside a connector. Keys are relative to the
// sync's namespace.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the bridge at baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// NewClientFromEnv returns a client for the bridge named by EnvURL and EnvToken.
func NewClientFromEnv() (*Client, error) {
	url := os.Getenv(EnvURL)
	if url == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "%s is not set", EnvURL)
	}
	return NewClient(url, os.Getenv(EnvToken)), nil
}

// Get returns the value at key and whether it exists.
func (c *Client) Get(ctx context.Context, key store.Key) (json.RawMessage, bool, error) {
	var resp GetResponse
	if err := c.call(ctx, "state.get", keyRequest{Key: key}, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

// Set stores value at key.
func (c *Client) Set(ctx context.Context, key store.Key, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode value")
	}
	return c.call(ctx, "state.set", setRequest{Key: key, Value: raw}, nil)
}

// Del removes key.
func (c *Client) Del(ctx context.Context, key store.Key) error {
	return c.call(ctx, "state.del", keyRequest{Key: key}, nil)
}

// DeleteByPrefix removes prefix and everything under it.
func (c *Client) DeleteByPrefix(ctx context.Context, prefix store.Key) error {
	return c.call(ctx, "state.deleteByPrefix", prefixRequest{Prefix: prefix}, nil)
}

// Size counts the entries under prefix.
func (c *Client) Size(ctx context.Context, prefix store.Key) (int, error) {
	var resp SizeResponse
	if err := c.call(ctx, "state.size", prefixRequest{Prefix: prefix}, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// List returns every entry under prefix in key order.
func (c *Client) List(ctx context.Context, prefix store.Key) ([]store.Entry, error) {
	var entries []store.Entry
	err := c.Stream(ctx, prefix, func(e store.Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Stream calls fn for every entry under prefix as lines arrive.
func (c *Client) Stream(ctx context.Context, prefix store.Key, fn func(store.Entry) error) error {
	resp, err := c.post(ctx, "state.list", prefixRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var l ListLine
			if err := json.Unmarshal(line, &l); err != nil {
				return errors.Wrap(err, errors.ErrorTypeProtocol, "malformed state.list line")
			}
			if l.Error != "" {
				return errors.New(errors.ErrorTypeStorage, l.Error)
			}
			if err := fn(store.Entry{Key: l.Key, Value: l.Value}); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, errors.ErrorTypeConnection, "state.list interrupted")
		}
	}
}

func (c *Client) call(ctx context.Context, route string, req, out interface{}) error {
	resp, err := c.post(ctx, route, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, route+" response interrupted")
	}
	if err := json.UnmarshalUseNumber(body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "malformed "+route+" response")
	}
	return nil
}

// post sends req and returns the response when its status is 200.
func (c *Client) post(ctx context.Context, route string, req interface{}) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode "+route+" request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+route, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid bridge url")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, route+" failed")
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	var e ErrorResponse
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(data))
	}
	return nil, errors.Newf(errors.ErrorTypeProtocol, "%s returned %d: %s", route, resp.StatusCode, e.Error).
		WithDetail("status", resp.StatusCode)
}
