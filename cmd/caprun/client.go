package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// APIClient talks to a running engine's HTTP control API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// StartRun asks the engine to launch a run in the background.
func (c *APIClient) StartRun(goal string, maxIterations int) error {
	body, err := json.Marshal(map[string]any{"goal": goal, "max_iterations": maxIterations})
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.baseURL+"/run", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return c.apiError(resp)
	}
	return nil
}

// Status fetches the engine status snapshot.
func (c *APIClient) Status() (any, error) {
	resp, err := c.client.Get(c.baseURL + "/status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Discover fetches driver reachability.
func (c *APIClient) Discover() (any, error) {
	resp, err := c.client.Get(c.baseURL + "/discover")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopRun stops the active run.
func (c *APIClient) StopRun() error {
	return c.post(c.baseURL + "/stop")
}

// PauseRun pauses the active run for d.
func (c *APIClient) PauseRun(d time.Duration) error {
	return c.post(c.baseURL + "/pause?duration=" + url.QueryEscape(d.String()))
}

// StopDriver stops one driver process.
func (c *APIClient) StopDriver(capability string, graceful bool) error {
	u := fmt.Sprintf("%s/drivers/%s/stop?graceful=%t", c.baseURL, url.PathEscape(capability), graceful)
	return c.post(u)
}

func (c *APIClient) post(u string) error {
	resp, err := c.client.Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	return nil
}

func (c *APIClient) apiError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("API error: %s", body.Error.Message)
	}
	return fmt.Errorf("API error: status %d", resp.StatusCode)
}
