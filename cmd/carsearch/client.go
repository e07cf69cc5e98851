package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/engine/search"
)

// APIError is a non-2xx answer from the API server.
type APIError struct {
	Status int
	Msg    string
	Kind   search.Kind
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Kind, e.Msg)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Msg)
}

// client talks to the carsearch API server.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *client) search(ctx context.Context, req domain.QueryRequest) (*search.Response, error) {
	var out search.Response
	if err := c.do(ctx, http.MethodPost, "/api/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) conversations(ctx context.Context, userID int64) ([]domain.ConversationEntry, error) {
	var out []domain.ConversationEntry
	err := c.do(ctx, http.MethodGet, "/api/chat/"+strconv.FormatInt(userID, 10), nil, &out)
	return out, err
}

func (c *client) cars(ctx context.Context, limit int) ([]domain.ListingRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/cars"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []domain.ListingRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string      `json:"error"`
			Kind  search.Kind `json:"kind"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Msg: e.Error, Kind: e.Kind}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
