package runtime

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
)

const defaultTimeout = 5 * time.Second

type endpoint struct {
	base    *url.URL
	headers map[string]string
	timeout int
}

// Registry resolves named runtime endpoints for metric triggers and api_call
// actions. GET sends params as query string, anything else as a JSON body.
type Registry struct {
	entries map[string]endpoint
	client  *http.Client
}

func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{entries: map[string]endpoint{}, client: client}
}

func (r *Registry) Fetch(ctx context.Context, runtime, path, method string, params map[string]any) (any, error) {
	name := strings.ToLower(runtime)
	if name == "" {
		name = "default"
	}
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime %q", runtime)
	}

	timeout := defaultTimeout
	if entry.timeout > 0 {
		timeout = time.Duration(entry.timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := entry.base.JoinPath(path)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			query := target.Query()
			for key, value := range params {
				query.Set(key, fmt.Sprint(value))
			}
			target.RawQuery = query.Encode()
		}
	} else if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range entry.headers {
		req.Header.Set(key, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("runtime %q returned status %d", runtime, resp.StatusCode)
	}
	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode runtime response: %w", err)
	}
	return decoded, nil
}
