package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/stateflow/internal/engine"
	"github.com/rendis/stateflow/internal/invoke"
	"github.com/rendis/stateflow/internal/scheduler"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
)

// stack is the wired engine and its collaborators.
type stack struct {
	store    store.Store
	engine   *engine.Engine
	hub      streaming.EventHub
	redis    *redis.Client
	registry *prometheus.Registry
	logger   *slog.Logger
}

// newInvoker registers the builtins and falls back to the remote function
// service, behind a circuit breaker, when a base URL is configured.
func newInvoker(cfg Config) (invoke.Invoker, error) {
	reg := invoke.NewRegistry()
	httpCfg := invoke.HTTPConfig{DefaultTimeout: cfg.InvokeTimeout}
	if err := invoke.RegisterBuiltins(reg, invoke.BuiltinConfig{HTTP: httpCfg}); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}
	var remote invoke.Invoker
	if cfg.InvokeBaseURL != "" {
		h, err := invoke.NewHTTPInvoker(cfg.InvokeBaseURL, httpCfg)
		if err != nil {
			return nil, err
		}
		remote = invoke.NewBreakerInvoker(h, invoke.BreakerConfig{
			FailureThreshold: cfg.InvokeBreakerThreshold,
			Cooldown:         cfg.InvokeBreakerCooldown,
			HalfOpenMax:      1,
		})
	}
	return invoke.NewRouter(reg, remote), nil
}

// newHub picks the Redis hub when an address is configured.
func newHub(ctx context.Context, cfg Config, logger *slog.Logger) (streaming.EventHub, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		return streaming.NewMemoryHub(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return streaming.NewRedisHub(client, streaming.WithHubLogger(logger)), client, nil
}

func buildStack(ctx context.Context, cfg Config, s store.Store, logger *slog.Logger) (*stack, error) {
	inv, err := newInvoker(cfg)
	if err != nil {
		return nil, err
	}
	hub, client, err := newHub(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := engine.New(s, inv, engine.Config{
		PoolSize:                   cfg.PoolSize,
		DefaultTimeout:             cfg.DefaultTimeout,
		CancelGracePeriod:          cfg.CancelGracePeriod,
		BackoffCountsTowardTimeout: cfg.BackoffCountsTowardTimeout,
		Logger:                     logger,
		Metrics:                    engine.NewMetrics(registry),
		Hub:                        hub,
	})
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}
	return &stack{store: s, engine: e, hub: hub, redis: client, registry: registry, logger: logger}, nil
}

// launcher starts scheduled executions on the engine.
func (st *stack) launcher() scheduler.Launcher {
	return scheduler.LauncherFunc(func(ctx context.Context, workflowID string, input json.RawMessage) (string, error) {
		exec, err := st.engine.StartExecution(ctx, workflowID, input, engine.StartOptions{})
		if err != nil {
			return "", err
		}
		return exec.ID, nil
	})
}

// httpHandler serves /metrics, the /events SSE stream and /healthz.
func (st *stack) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}))
	mux.Handle("/events", streaming.NewSSEHandler(st.hub, st.logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// serveHTTP listens on addr until ctx ends.
func (st *stack) serveHTTP(ctx context.Context, addr string) {
	srv := &http.Server{Addr: addr, Handler: st.httpHandler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		st.logger.Info("http endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			st.logger.Error("http endpoint failed", "error", err)
		}
	}()
}

// close shuts the engine down, then releases Redis and the store.
func (st *stack) close(ctx context.Context) error {
	var errs []error
	if err := st.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
	}
	if st.redis != nil {
		if err := st.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := st.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
