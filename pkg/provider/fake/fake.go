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

// Package fake provides an in-memory provider.Client for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/volcano-sh/sandboxkeeper/pkg/provider"
)

// CommandFunc decides the outcome of a command once it is waited on.
type CommandFunc func(ctx context.Context, cmd provider.Command) (*provider.CommandResult, error)

// Client is an in-memory sandbox provider.
type Client struct {
	mu         sync.Mutex
	createErrs []error
	creates    int
	configs    []provider.CreateConfig
	nextID     int
	sandboxes  map[string]*Sandbox
	onCommand  CommandFunc
	writeErr   error
}

var _ provider.Client = &Client{}

func NewClient() *Client {
	return &Client{sandboxes: map[string]*Sandbox{}}
}

// FailCreate queues errors returned by the next Create calls, in order.
// A nil entry lets that call succeed.
func (c *Client) FailCreate(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createErrs = append(c.createErrs, errs...)
}

// OnCommand sets the behavior of commands in every sandbox.
func (c *Client) OnCommand(fn CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = fn
}

// FailWrites makes WriteFiles fail in every sandbox.
func (c *Client) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *Client) Create(ctx context.Context, cfg provider.CreateConfig) (provider.Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	c.configs = append(c.configs, cfg)
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.nextID++
	s := &Sandbox{client: c, id: fmt.Sprintf("sbx-%d", c.nextID)}
	c.sandboxes[s.id] = s
	return s, nil
}

func (c *Client) Get(_ context.Context, sandboxID string) (provider.Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sandboxes[sandboxID]
	if !ok {
		return nil, &provider.APIError{StatusCode: 404, Message: "sandbox " + sandboxID + " not found"}
	}
	return s, nil
}

// Creates is the number of Create calls so far.
func (c *Client) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

// Configs returns the configs passed to Create.
func (c *Client) Configs() []provider.CreateConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.CreateConfig(nil), c.configs...)
}

// Sandbox returns a created sandbox by ID, or nil.
func (c *Client) Sandbox(id string) *Sandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sandboxes[id]
}

// Sandbox records everything done to it.
type Sandbox struct {
	client   *Client
	mu       sync.Mutex
	id       string
	files    []provider.File
	commands []provider.Command
}

var _ provider.Sandbox = &Sandbox{}

// NewSandbox returns a standalone sandbox that behaves as if created by c.
func (c *Client) NewSandbox(id string) *Sandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sandbox{client: c, id: id}
	c.sandboxes[id] = s
	return s
}

func (s *Sandbox) ID() string {
	return s.id
}

func (s *Sandbox) WriteFiles(_ context.Context, files []provider.File) error {
	s.client.mu.Lock()
	err := s.client.writeErr
	s.client.mu.Unlock()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, files...)
	return nil
}

func (s *Sandbox) RunCommand(_ context.Context, cmd provider.Command) (provider.CommandHandle, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	s.client.mu.Lock()
	fn := s.client.onCommand
	s.client.mu.Unlock()
	return &command{cmd: cmd, fn: fn}, nil
}

// Files returns the files written so far.
func (s *Sandbox) Files() []provider.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.File(nil), s.files...)
}

// Commands returns the commands started so far.
func (s *Sandbox) Commands() []provider.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Command(nil), s.commands...)
}

type command struct {
	cmd provider.Command
	fn  CommandFunc
}

func (c *command) Wait(ctx context.Context) (*provider.CommandResult, error) {
	if c.fn == nil {
		return &provider.CommandResult{}, nil
	}
	return c.fn(ctx, c.cmd)
}
