package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"converge/internal/engine"
)

// serverURL is the base URL of a running converge server, shared by the
// client-side commands.
var serverURL string

// apiClient is a thin HTTP client for the management API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// targetState mirrors the API response shape for a target and its state.
type targetState struct {
	Target engine.Target      `json:"target"`
	State  engine.TargetState `json:"state"`
}

func newAPIClient() *apiClient {
	return &apiClient{
		baseURL: serverURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) listTargets() ([]targetState, error) {
	var states []targetState
	if err := c.do(http.MethodGet, "/api/targets", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (c *apiClient) getTarget(name string) (targetState, error) {
	var state targetState
	err := c.do(http.MethodGet, "/api/targets/"+name, nil, &state)
	return state, err
}

func (c *apiClient) createTarget(target engine.Target) (engine.Target, error) {
	var created engine.Target
	err := c.do(http.MethodPost, "/api/targets", target, &created)
	return created, err
}

func (c *apiClient) deleteTarget(name string) error {
	return c.do(http.MethodDelete, "/api/targets/"+name, nil, nil)
}

func (c *apiClient) requestSync(name string) error {
	return c.do(http.MethodPost, "/api/targets/"+name+"/sync", nil, nil)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach converge server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8484", "Base URL of the converge server")
}
