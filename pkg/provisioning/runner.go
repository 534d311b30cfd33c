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

// Package provisioning runs the post-creation setup of a sandbox (file
// restore, dependency install, dev server) off the request path.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/volcano-sh/sandboxkeeper/pkg/common/types"
	"github.com/volcano-sh/sandboxkeeper/pkg/metrics"
	"github.com/volcano-sh/sandboxkeeper/pkg/provider"
	"github.com/volcano-sh/sandboxkeeper/pkg/snapshot"
)

const (
	DefaultInstallTimeout = 3 * time.Minute
	DefaultDevServerGrace = 2 * time.Second
	DefaultMaxConcurrent  = 16

	stepRestore   = "restore"
	stepInstall   = "install"
	stepDevServer = "dev_server"

	maxLoggedOutput = 512
)

// Background step failures. None of them is ever returned to a resolve caller.
var (
	ErrSnapshotRestoreFailed = errors.New("snapshot restore failed")
	ErrInstallFailed         = errors.New("dependency install failed")
	ErrDevServerStartFailed  = errors.New("dev server start failed")
)

// Config configures a Runner.
type Config struct {
	InstallTimeout   time.Duration
	DevServerGrace   time.Duration
	MaxConcurrent    int64
	InstallCommand   provider.Command
	DevServerCommand provider.Command
	Clock            clock.Clock
}

func DefaultConfig() Config {
	return Config{
		InstallTimeout:   DefaultInstallTimeout,
		DevServerGrace:   DefaultDevServerGrace,
		MaxConcurrent:    DefaultMaxConcurrent,
		InstallCommand:   provider.Command{Cmd: "npm", Args: []string{"install"}},
		DevServerCommand: provider.Command{Cmd: "npm", Args: []string{"run", "dev"}},
		Clock:            clock.RealClock{},
	}
}

// Request is one sandbox to set up.
type Request struct {
	SessionID string
	Sandbox   provider.Sandbox
	Options   types.ResolveOptions
}

// Report summarises a finished run.
type Report struct {
	RunID            string
	RestoredFiles    int
	Installed        bool
	DevServerStarted bool
	// Err aggregates every step failure, nil when all steps succeeded or were skipped.
	Err error
}

// Runner executes provisioning requests in the background with bounded concurrency.
type Runner struct {
	snapshots snapshot.Store
	cfg       Config
	sem       *semaphore.Weighted
	wg        sync.WaitGroup

	// mu guards closed and orders wg.Add before wg.Wait.
	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner returns a runner. snapshots may be nil, in which case restore is skipped.
func NewRunner(snapshots snapshot.Store, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.DevServerGrace < 0 {
		cfg.DevServerGrace = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.InstallCommand.Cmd == "" {
		cfg.InstallCommand = def.InstallCommand
	}
	if cfg.DevServerCommand.Cmd == "" {
		cfg.DevServerCommand = def.DevServerCommand
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		snapshots: snapshots,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit starts req in the background and returns its run ID immediately.
// The run keeps the values of ctx but not its cancellation; only Stop aborts it.
// Once the runner is draining or stopped, req is dropped and "" is returned.
func (r *Runner) Submit(ctx context.Context, req Request) string {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		klog.Warningf("background provisioning for session %s rejected: runner is shut down", req.SessionID)
		return ""
	}
	r.wg.Add(1)
	r.mu.Unlock()

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(r.ctx, cancel)

	go func() {
		defer r.wg.Done()
		defer cancel()
		defer stop()
		defer func() {
			if rec := recover(); rec != nil {
				klog.Errorf("background provisioning %s for session %s panicked: %v", runID, req.SessionID, rec)
			}
		}()

		if err := r.sem.Acquire(runCtx, 1); err != nil {
			klog.Warningf("background provisioning %s for session %s dropped: %v", runID, req.SessionID, err)
			return
		}
		defer r.sem.Release(1)

		metrics.BackgroundInFlight.Inc()
		defer metrics.BackgroundInFlight.Dec()
		r.run(runCtx, runID, req)
	}()

	klog.V(2).Infof("submitted background provisioning %s for session %s on sandbox %s",
		runID, req.SessionID, req.Sandbox.ID())
	return runID
}

// Run executes req synchronously.
func (r *Runner) Run(ctx context.Context, req Request) *Report {
	return r.run(ctx, uuid.NewString(), req)
}

// Wait closes the runner to new submissions and blocks until every
// submitted run has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.close()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background provisioning: %w", ctx.Err())
	}
}

// Stop aborts in-flight runs. Submitted runs that have not started are dropped.
func (r *Runner) Stop() {
	r.close()
	r.cancel()
}

func (r *Runner) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *Runner) run(ctx context.Context, runID string, req Request) *Report {
	report := &Report{RunID: runID}
	var errs []error
	start := r.cfg.Clock.Now()

	restored, err := r.restoreSnapshot(ctx, req)
	report.RestoredFiles = restored
	if err != nil {
		klog.Warningf("[%s] session %s: %v, continuing without restore", runID, req.SessionID, err)
		errs = append(errs, err)
	}

	opts := req.Options
	if (opts.StartDevServer || opts.InstallDependencies) && !opts.RestoredFromGitHub {
		if err := r.install(ctx, req); err != nil {
			klog.Warningf("[%s] session %s: %v, continuing", runID, req.SessionID, err)
			errs = append(errs, err)
		} else {
			report.Installed = true
		}
	} else {
		metrics.BackgroundSteps.WithLabelValues(stepInstall, metrics.OutcomeSkipped).Inc()
	}

	if opts.StartDevServer {
		if err := r.startDevServer(ctx, req); err != nil {
			klog.Warningf("[%s] session %s: %v", runID, req.SessionID, err)
			errs = append(errs, err)
		} else {
			report.DevServerStarted = true
		}
	}

	report.Err = utilerrors.NewAggregate(errs)
	klog.Infof("[%s] background provisioning for session %s on sandbox %s finished in %s: restored=%d installed=%t devServer=%t failures=%d",
		runID, req.SessionID, req.Sandbox.ID(), r.cfg.Clock.Since(start).Round(time.Millisecond),
		report.RestoredFiles, report.Installed, report.DevServerStarted, len(errs))
	return report
}

func (r *Runner) restoreSnapshot(ctx context.Context, req Request) (int, error) {
	if r.snapshots == nil {
		metrics.BackgroundSteps.WithLabelValues(stepRestore, metrics.OutcomeSkipped).Inc()
		return 0, nil
	}
	snap, err := r.snapshots.Get(ctx, req.SessionID)
	if errors.Is(err, snapshot.ErrNotFound) {
		klog.V(4).Infof("no snapshot for session %s", req.SessionID)
		metrics.BackgroundSteps.WithLabelValues(stepRestore, metrics.OutcomeSkipped).Inc()
		return 0, nil
	}
	if err != nil {
		metrics.BackgroundSteps.WithLabelValues(stepRestore, metrics.OutcomeError).Inc()
		return 0, fmt.Errorf("%w: %w", ErrSnapshotRestoreFailed, err)
	}
	if len(snap.Files) == 0 {
		metrics.BackgroundSteps.WithLabelValues(stepRestore, metrics.OutcomeSkipped).Inc()
		return 0, nil
	}

	files := make([]provider.File, 0, len(snap.Files))
	for _, f := range snap.Files {
		files = append(files, provider.File{Path: f.Path, Content: []byte(f.Content)})
	}
	if err := req.Sandbox.WriteFiles(ctx, files); err != nil {
		metrics.BackgroundSteps.WithLabelValues(stepRestore, metrics.OutcomeError).Inc()
		return 0, fmt.Errorf("%w: %w", ErrSnapshotRestoreFailed, err)
	}
	metrics.BackgroundSteps.WithLabelValues(stepRestore, metrics.OutcomeSuccess).Inc()
	klog.V(2).Infof("restored %d files into sandbox %s for session %s", len(files), req.Sandbox.ID(), req.SessionID)
	return len(files), nil
}

func (r *Runner) install(ctx context.Context, req Request) error {
	installCtx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
	defer cancel()

	cmd := r.cfg.InstallCommand
	h, err := req.Sandbox.RunCommand(installCtx, cmd)
	if err == nil {
		var res *provider.CommandResult
		res, err = h.Wait(installCtx)
		if err == nil && res.ExitCode != 0 {
			metrics.BackgroundSteps.WithLabelValues(stepInstall, metrics.OutcomeError).Inc()
			return fmt.Errorf("%w: %s exited with code %d: %s",
				ErrInstallFailed, commandLine(cmd), res.ExitCode, tail(res.Stderr))
		}
	}
	if err == nil {
		metrics.BackgroundSteps.WithLabelValues(stepInstall, metrics.OutcomeSuccess).Inc()
		return nil
	}
	if errors.Is(installCtx.Err(), context.DeadlineExceeded) {
		metrics.BackgroundSteps.WithLabelValues(stepInstall, metrics.OutcomeTimeout).Inc()
		return fmt.Errorf("%w: %s timed out after %s: %w",
			ErrInstallFailed, commandLine(cmd), r.cfg.InstallTimeout, context.DeadlineExceeded)
	}
	metrics.BackgroundSteps.WithLabelValues(stepInstall, metrics.OutcomeError).Inc()
	return fmt.Errorf("%w: %w", ErrInstallFailed, err)
}

func (r *Runner) startDevServer(ctx context.Context, req Request) error {
	cmd := r.cfg.DevServerCommand
	cmd.Detached = true
	if len(req.Options.Ports) > 0 {
		env := make(map[string]string, len(cmd.Env)+1)
		for k, v := range cmd.Env {
			env[k] = v
		}
		env["PORT"] = strconv.Itoa(req.Options.Ports[0])
		cmd.Env = env
	}

	if _, err := req.Sandbox.RunCommand(ctx, cmd); err != nil {
		metrics.BackgroundSteps.WithLabelValues(stepDevServer, metrics.OutcomeError).Inc()
		return fmt.Errorf("%w: %w", ErrDevServerStartFailed, err)
	}

	// no health check here; readiness is polled by the caller
	if err := r.sleep(ctx, r.cfg.DevServerGrace); err != nil {
		metrics.BackgroundSteps.WithLabelValues(stepDevServer, metrics.OutcomeError).Inc()
		return fmt.Errorf("%w: %w", ErrDevServerStartFailed, err)
	}
	metrics.BackgroundSteps.WithLabelValues(stepDevServer, metrics.OutcomeSuccess).Inc()
	return nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := r.cfg.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func commandLine(cmd provider.Command) string {
	return strings.TrimSpace(cmd.Cmd + " " + strings.Join(cmd.Args, " "))
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLoggedOutput {
		return "..." + s[len(s)-maxLoggedOutput:]
	}
	return s
}
