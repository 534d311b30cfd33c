/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// HTTPClient talks to the sandbox provider's REST API.
type HTTPClient struct {
	addr       string
	token      string
	httpClient *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClientFromEnv reads SANDBOX_PROVIDER_ADDR and SANDBOX_PROVIDER_TOKEN.
func NewHTTPClientFromEnv() (*HTTPClient, error) {
	addr := os.Getenv("SANDBOX_PROVIDER_ADDR")
	if addr == "" {
		return nil, fmt.Errorf("SANDBOX_PROVIDER_ADDR environment variable is not set")
	}
	return NewHTTPClient(addr, os.Getenv("SANDBOX_PROVIDER_TOKEN"), nil), nil
}

// NewHTTPClient returns a client for the provider at addr. A nil httpClient
// gets a pooled default.
func NewHTTPClient(addr, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{
			// command waits are bounded by the caller's context
			Timeout: 0,
			Transport: &http.Transport{
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 100,
				DisableCompression:  false,
			},
		}
	}
	return &HTTPClient{
		addr:       strings.TrimRight(addr, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

type createSandboxRequest struct {
	Ports          []int  `json:"ports,omitempty"`
	TimeoutSeconds int64  `json:"timeoutSeconds,omitempty"`
	Runtime        string `json:"runtime,omitempty"`
}

type sandboxResponse struct {
	SandboxID string `json:"sandboxId"`
	Status    string `json:"status,omitempty"`
}

type writeFilesRequest struct {
	Files []fileEntry `json:"files"`
}

type fileEntry struct {
	Path string `json:"path"`
	// base64 encoded
	Content string `json:"content"`
}

type runCommandRequest struct {
	Cmd      string            `json:"cmd"`
	Args     []string          `json:"args,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Detached bool              `json:"detached"`
}

type commandResponse struct {
	CommandID string `json:"commandId"`
	Finished  bool   `json:"finished"`
	ExitCode  int    `json:"exitCode"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

// Create provisions a new sandbox.
func (c *HTTPClient) Create(ctx context.Context, cfg CreateConfig) (Sandbox, error) {
	reqBody := &createSandboxRequest{
		Ports:          cfg.Ports,
		TimeoutSeconds: int64(cfg.Timeout / time.Second),
		Runtime:        cfg.Runtime,
	}
	var res sandboxResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", reqBody, &res); err != nil {
		return nil, err
	}
	if res.SandboxID == "" {
		return nil, fmt.Errorf("response with empty sandbox id from provider")
	}
	klog.V(2).Infof("provider created sandbox %s", res.SandboxID)
	return &httpSandbox{client: c, id: res.SandboxID}, nil
}

// Get returns a handle to an existing sandbox.
func (c *HTTPClient) Get(ctx context.Context, sandboxID string) (Sandbox, error) {
	var res sandboxResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(sandboxID), nil, &res); err != nil {
		return nil, err
	}
	id := res.SandboxID
	if id == "" {
		id = sandboxID
	}
	return &httpSandbox{client: c, id: id}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed calling sandbox provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

type httpSandbox struct {
	client *HTTPClient
	id     string
}

func (s *httpSandbox) ID() string {
	return s.id
}

func (s *httpSandbox) basePath() string {
	return "/v1/sandboxes/" + url.PathEscape(s.id)
}

func (s *httpSandbox) WriteFiles(ctx context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}
	req := &writeFilesRequest{Files: make([]fileEntry, 0, len(files))}
	for _, f := range files {
		req.Files = append(req.Files, fileEntry{
			Path:    f.Path,
			Content: base64.StdEncoding.EncodeToString(f.Content),
		})
	}
	if err := s.client.do(ctx, http.MethodPost, s.basePath()+"/files", req, nil); err != nil {
		return fmt.Errorf("write %d files to sandbox %s: %w", len(files), s.id, err)
	}
	return nil
}

func (s *httpSandbox) RunCommand(ctx context.Context, cmd Command) (CommandHandle, error) {
	req := &runCommandRequest{
		Cmd:      cmd.Cmd,
		Args:     cmd.Args,
		Cwd:      cmd.Cwd,
		Env:      cmd.Env,
		Detached: cmd.Detached,
	}
	var res commandResponse
	if err := s.client.do(ctx, http.MethodPost, s.basePath()+"/commands", req, &res); err != nil {
		return nil, fmt.Errorf("run %q in sandbox %s: %w", cmd.Cmd, s.id, err)
	}
	h := &httpCommand{sandbox: s, id: res.CommandID}
	if res.Finished {
		h.result = &CommandResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return h, nil
}

type httpCommand struct {
	sandbox *httpSandbox
	id      string
	result  *CommandResult
}

func (h *httpCommand) Wait(ctx context.Context) (*CommandResult, error) {
	if h.result != nil {
		return h.result, nil
	}
	if h.id == "" {
		return nil, fmt.Errorf("command in sandbox %s has no id to wait on", h.sandbox.id)
	}
	var res commandResponse
	path := h.sandbox.basePath() + "/commands/" + url.PathEscape(h.id) + "/wait"
	if err := h.sandbox.client.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, fmt.Errorf("wait for command %s in sandbox %s: %w", h.id, h.sandbox.id, err)
	}
	h.result = &CommandResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	return h.result, nil
}
