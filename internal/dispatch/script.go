package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SandboxRunner sends api_script actions to an external script sandbox over
// HTTP. The engine never evaluates scripts in-process.
type SandboxRunner struct {
	Endpoint string
	Client   *http.Client
}

func NewSandboxRunner(endpoint string, client *http.Client) *SandboxRunner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SandboxRunner{Endpoint: endpoint, Client: client}
}

type scriptResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (s *SandboxRunner) Run(ctx context.Context, script string, args map[string]any) (any, error) {
	if s.Endpoint == "" {
		return nil, errors.New("script sandbox endpoint not configured")
	}
	payload := map[string]any{"script": script, "args": args}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("script sandbox returned status %d", resp.StatusCode)
	}
	var decoded scriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	if len(decoded.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		return nil, err
	}
	return result, nil
}
