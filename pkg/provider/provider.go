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

// Package provider defines the contract of the external sandbox provider and
// an HTTP client for it.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client creates and looks up sandboxes.
type Client interface {
	Create(ctx context.Context, cfg CreateConfig) (Sandbox, error)
	Get(ctx context.Context, sandboxID string) (Sandbox, error)
}

// Sandbox is a handle to a live sandbox.
type Sandbox interface {
	ID() string
	WriteFiles(ctx context.Context, files []File) error
	RunCommand(ctx context.Context, cmd Command) (CommandHandle, error)
}

// CommandHandle is a started command.
type CommandHandle interface {
	// Wait blocks until the command exits or ctx is done.
	Wait(ctx context.Context) (*CommandResult, error)
}

// CreateConfig describes the sandbox to create.
type CreateConfig struct {
	Ports   []int
	Timeout time.Duration
	Runtime string
}

// File is a file to write into a sandbox.
type File struct {
	Path    string
	Content []byte
}

// Command is a command to run inside a sandbox.
type Command struct {
	Cmd      string
	Args     []string
	Cwd      string
	Env      map[string]string
	Detached bool
}

// CommandResult is the outcome of a finished command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       []byte

	// Code and Message are parsed from a JSON body when present.
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error: status %d, body: %s", e.StatusCode, string(e.Body))
}

func newAPIError(statusCode int, body []byte) *APIError {
	e := &APIError{StatusCode: statusCode, Body: body}
	e.Code, e.Message = parseAPIErrorBody(body)
	return e
}

func parseAPIErrorBody(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}
	var parsed struct {
		Code    string `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return "", ""
	}
	code = parsed.Code
	if code == "" {
		code = parsed.Error
	}
	return code, parsed.Message
}

// IsRateLimited reports whether err is the provider telling us to slow down:
// an HTTP 429, or a provider error whose code or message says rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return mentionsRateLimit(apiErr.Code) || mentionsRateLimit(apiErr.Message)
	}
	return mentionsRateLimit(err.Error())
}

func mentionsRateLimit(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "rate_limit") ||
		strings.Contains(s, "too many requests")
}

// IsNotFound reports whether err is a 404 from the provider.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}
