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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/sandboxkeeper/pkg/apiserver"
	"github.com/volcano-sh/sandboxkeeper/pkg/cache"
	"github.com/volcano-sh/sandboxkeeper/pkg/metrics"
	"github.com/volcano-sh/sandboxkeeper/pkg/orchestrator"
	"github.com/volcano-sh/sandboxkeeper/pkg/provider"
	"github.com/volcano-sh/sandboxkeeper/pkg/provisioner"
	"github.com/volcano-sh/sandboxkeeper/pkg/provisioning"
	"github.com/volcano-sh/sandboxkeeper/pkg/snapshot"
	"github.com/volcano-sh/sandboxkeeper/pkg/store"
)

func main() {
	var (
		port                  = flag.String("port", "8080", "API server port")
		enableTLS             = flag.Bool("enable-tls", false, "Enable TLS (HTTPS)")
		tlsCert               = flag.String("tls-cert", "", "Path to TLS certificate file")
		tlsKey                = flag.String("tls-key", "", "Path to TLS key file")
		debug                 = flag.Bool("debug", false, "Enable debug mode")
		maxConcurrentRequests = flag.Int("max-concurrent-requests", 1000, "Maximum number of concurrent requests")
		shutdownTimeout       = flag.Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight requests and background provisioning on shutdown")

		sandboxTTL      = flag.Duration("sandbox-ttl", provisioner.DefaultSandboxTTL, "Lifetime of a newly created sandbox")
		sandboxRuntime  = flag.String("sandbox-runtime", "", "Runtime requested from the sandbox provider")
		cacheIdleTTL    = flag.Duration("cache-idle-ttl", cache.DefaultIdleTTL, "Drop cached sessions idle for longer than this")
		janitorInterval = flag.Duration("cache-janitor-interval", cache.DefaultJanitorInterval, "How often the cache janitor sweeps")
		cacheMaxEntries = flag.Int("cache-max-entries", cache.DefaultMaxEntries, "Maximum sessions held in the process-local cache")

		retryMaxAttempts  = flag.Int("retry-max-attempts", 4, "Retries of a rate-limited sandbox creation")
		retryInitialDelay = flag.Duration("retry-initial-delay", time.Second, "Backoff before the first retry")
		retryMultiplier   = flag.Float64("retry-multiplier", 2, "Backoff growth factor")
		retryMaxDelay     = flag.Duration("retry-max-delay", 8*time.Second, "Backoff cap")

		installTimeout        = flag.Duration("install-timeout", provisioning.DefaultInstallTimeout, "Timeout of the dependency install step")
		installCommand        = flag.String("install-command", "npm install", "Dependency install command")
		devServerCommand      = flag.String("dev-server-command", "npm run dev", "Dev server command")
		devServerGrace        = flag.Duration("dev-server-grace", provisioning.DefaultDevServerGrace, "Wait after starting the dev server")
		backgroundConcurrency = flag.Int64("background-concurrency", provisioning.DefaultMaxConcurrent, "Maximum concurrent background provisioning runs")

		creationLease = flag.Duration("creation-lease", 0, "Serialize sandbox creation per session with a store lease of this TTL (0 disables)")
	)

	// Initialize klog flags
	klog.InitFlags(nil)

	// Parse command line flags
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessionStore, err := store.NewFromEnv()
	if err != nil {
		klog.Fatalf("Failed to init session store: %v", err)
	}
	defer sessionStore.Close()

	var snapshots snapshot.Store
	if os.Getenv("MONGO_URI") != "" {
		snapshots, err = snapshot.NewMongoStoreFromEnv(ctx)
		if err != nil {
			klog.Fatalf("Failed to init snapshot store: %v", err)
		}
		defer snapshots.Close(context.Background())
	} else {
		klog.Warning("MONGO_URI is not set, file snapshots are disabled")
	}

	providerClient, err := provider.NewHTTPClientFromEnv()
	if err != nil {
		klog.Fatalf("Failed to init sandbox provider client: %v", err)
	}

	prov, err := provisioner.New(providerClient, provisioner.Config{
		SandboxTTL: *sandboxTTL,
		Runtime:    *sandboxRuntime,
		Retry: provisioner.RetryPolicy{
			MaxAttempts:  *retryMaxAttempts,
			InitialDelay: *retryInitialDelay,
			Multiplier:   *retryMultiplier,
			MaxDelay:     *retryMaxDelay,
		},
	})
	if err != nil {
		klog.Fatalf("Failed to create provisioner: %v", err)
	}

	sessionCache := cache.New(cache.Options{
		IdleTTL:         *cacheIdleTTL,
		JanitorInterval: *janitorInterval,
		MaxEntries:      *cacheMaxEntries,
	})
	defer sessionCache.Stop()
	if err := metrics.RegisterCacheCollectors(prometheus.DefaultRegisterer, sessionCache.Stats); err != nil {
		klog.Fatalf("Failed to register cache metrics: %v", err)
	}

	runner := provisioning.NewRunner(snapshots, provisioning.Config{
		InstallTimeout:   *installTimeout,
		DevServerGrace:   *devServerGrace,
		MaxConcurrent:    *backgroundConcurrency,
		InstallCommand:   parseCommand(*installCommand),
		DevServerCommand: parseCommand(*devServerCommand),
	})

	orch, err := orchestrator.New(orchestrator.Deps{
		Cache:     sessionCache,
		Store:     sessionStore,
		Snapshots: snapshots,
		Creator:   prov,
		Runner:    runner,
		Provider:  providerClient,
	}, orchestrator.Config{
		CreationLease: *creationLease,
	})
	if err != nil {
		klog.Fatalf("Failed to create orchestrator: %v", err)
	}

	server, err := apiserver.NewServer(&apiserver.Config{
		Port:                  *port,
		Debug:                 *debug,
		EnableTLS:             *enableTLS,
		TLSCert:               *tlsCert,
		TLSKey:                *tlsKey,
		MaxConcurrentRequests: *maxConcurrentRequests,
		ShutdownTimeout:       *shutdownTimeout,
	}, orch)
	if err != nil {
		klog.Fatalf("Failed to create API server: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting sandboxkeeper server on port %s", *port)
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			klog.Fatalf("Server error: %v", err)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer drainCancel()
	if err := runner.Wait(drainCtx); err != nil {
		klog.Warningf("Aborting unfinished background provisioning: %v", err)
		runner.Stop()
	}

	klog.Info("sandboxkeeper server stopped")
}

// parseCommand splits a shell-like command line on whitespace.
func parseCommand(line string) provider.Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return provider.Command{}
	}
	return provider.Command{Cmd: fields[0], Args: fields[1:]}
}
