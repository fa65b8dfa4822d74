// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Bleemeo (https://bleemeo.com/).
// Copyright 2016-present Bleemeo

package bleemeo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	apiTimeout  = 10 * time.Second
	apiPageSize = 100
	userAgent   = "Bleemeo Agent"
)

// APIError is a non-2xx answer from the registry.
type APIError struct {
	StatusCode int
	Content    string
}

func (e APIError) Error() string {
	return fmt.Sprintf("registry answered status %d: %s", e.StatusCode, e.Content)
}

// IsClientError reports a 4xx answer, meaning the request itself is wrong
// and retrying unchanged will not help.
func IsClientError(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
	}
	return false
}

// IsServerError reports a 5xx answer, retried on the next pass.
func IsServerError(err error) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

// Client talks to the cloud registry HTTP API.
type Client struct {
	baseURL  *url.URL
	username string
	password string
	http     *http.Client
}

// NewClient returns a client authenticating every request with username and
// password over basic auth.
func NewClient(apiBase, username, password string) (*Client, error) {
	if !strings.HasSuffix(apiBase, "/") {
		apiBase += "/"
	}
	base, err := url.Parse(apiBase)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid API base %q", apiBase)
	}
	return &Client{
		baseURL:  base,
		username: username,
		password: password,
		http: &http.Client{
			Timeout: apiTimeout,
		},
	}, nil
}

// Do performs one request. path is relative to the API base ("v1/metric/");
// body, when non-nil, is sent as JSON; result, when non-nil, receives the
// decoded answer. Any non-2xx status is returned as an APIError.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body, result interface{}) (int, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid API path %q", path)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "unable to serialize request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "unable to read registry answer")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, APIError{StatusCode: resp.StatusCode, Content: truncate(string(content), 200)}
	}

	if result != nil && len(content) > 0 {
		if err := json.Unmarshal(content, result); err != nil {
			return resp.StatusCode, errors.Wrap(err, "malformed registry answer")
		}
	}
	return resp.StatusCode, nil
}

// listPage is the shape of every paginated list endpoint.
type listPage struct {
	Count    int               `json:"count"`
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
	Results  []json.RawMessage `json:"results"`
}

// Iter fetches every object of a list endpoint, following pagination until
// exhausted.
func (c *Client) Iter(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("page_size", fmt.Sprintf("%d", apiPageSize))

	var out []json.RawMessage

	next := ""
	for {
		var page listPage
		if next == "" {
			if _, err := c.Do(ctx, http.MethodGet, path, params, nil, &page); err != nil {
				return nil, err
			}
		} else {
			// next is an absolute URL built by the registry
			if err := c.getAbsolute(ctx, next, &page); err != nil {
				return nil, err
			}
		}
		out = append(out, page.Results...)
		if page.Next == nil || *page.Next == "" {
			break
		}
		next = *page.Next
	}
	return out, nil
}

func (c *Client) getAbsolute(ctx context.Context, rawURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "unable to read registry answer")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return APIError{StatusCode: resp.StatusCode, Content: truncate(string(content), 200)}
	}
	return json.Unmarshal(content, result)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
