// Package fetch loads cached entities from the REST API.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zsprackett/eventsync/internal/cachesync"
)

const userAgent = "eventsync/1"

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client for the API rooted at baseURL. An empty token sends
// no Authorization header.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Path returns the API path serving key.
func Path(key cachesync.Key) (string, error) {
	esc := url.PathEscape
	proj := "/project/" + esc(key.Project)
	switch key.Kind {
	case cachesync.KindProject:
		return proj, nil
	case cachesync.KindApplication:
		return proj + "/application/" + esc(key.Name), nil
	case cachesync.KindPipeline:
		return proj + "/pipeline/" + esc(key.Name), nil
	case cachesync.KindWorkflow:
		return proj + "/workflows/" + esc(key.Name), nil
	case cachesync.KindRun:
		return proj + "/workflows/" + esc(key.Name) + "/runs/" + strconv.FormatInt(key.RunNumber, 10), nil
	case cachesync.KindNodeRun:
		return proj + "/workflows/" + esc(key.Name) + "/runs/" + strconv.FormatInt(key.RunNumber, 10) +
			"/nodes/" + strconv.FormatInt(key.NodeRunID, 10), nil
	}
	return "", fmt.Errorf("fetch: no API path for %s", key.Kind)
}

// Fetch loads the entity behind key. Options restrict the response to the
// named sub-resources.
func (c *Client) Fetch(ctx context.Context, key cachesync.Key, opts []cachesync.LoadOption) (json.RawMessage, error) {
	path, err := Path(key)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	for _, o := range opts {
		q.Set(o.Query, "true")
	}
	return c.get(ctx, path, q)
}

// FetchRun loads one workflow run on its own, for upsert into the run list.
func (c *Client) FetchRun(ctx context.Context, key cachesync.Key) (json.RawMessage, error) {
	if key.Kind != cachesync.KindRun {
		return nil, fmt.Errorf("fetch run: key kind %s", key.Kind)
	}
	return c.Fetch(ctx, key, nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("parse response from %s: invalid JSON", path)
	}
	return json.RawMessage(body), nil
}
