// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires the interception engine, the policy gateway and the
// ambient services into one process-scoped Runtime.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/decision"
	"github.com/mbeema/interpose/pkg/export"
	"github.com/mbeema/interpose/pkg/gateway"
	"github.com/mbeema/interpose/pkg/health"
	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/pipeline"
	"github.com/mbeema/interpose/pkg/redact"
	"github.com/mbeema/interpose/pkg/resolve"
)

// Runtime owns every subsystem of one embedded instance. There are no
// package-level singletons; two Runtimes in one process are independent.
type Runtime struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string

	resolver    *resolve.Resolver
	interceptor *hook.Interceptor
	pipeline    *pipeline.Pipeline
	gateway     *gateway.Gateway
	exporter    *export.Manager
	stats       *health.Stats
	health      *health.Server
	redactor    *redact.Redactor
	content     *hook.Gate
	upstream    http.Handler

	mu      sync.Mutex
	routine decision.Routine
	traced  []resolve.Handle
	counts  map[string]*hook.CountingListener
	watcher *config.Watcher
	cancel  context.CancelFunc
	closed  bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(rt *Runtime) { rt.version = v }
}

// New builds a Runtime from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		logger:  logger,
		version: "dev",
		counts:  make(map[string]*hook.CountingListener),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.cfg.Store(cfg)

	rt.stats = health.NewStats()
	rt.stats.Registry().MustRegister(health.NewProcessCollector(cfg.Hook.PID, logger))

	var extraRules []redact.Rule
	for _, r := range cfg.Redaction.Rules {
		rule, err := redact.ParseRule(r.Name, r.Pattern, r.Replacement)
		if err != nil {
			logger.Warn("invalid redaction rule pattern", zap.String("name", r.Name), zap.Error(err))
			continue
		}
		extraRules = append(extraRules, rule)
	}
	rt.redactor = redact.New(cfg.Redaction.Enabled, extraRules)

	exp, err := export.NewManager(&cfg.Exporters, cfg.ServiceName, logger, export.WithDropHook(rt.stats.EventDropped))
	if err != nil {
		return nil, err
	}
	rt.exporter = exp

	rt.interceptor = hook.New(logger,
		hook.WithCommitObserver(rt.stats.ObserveCommit),
		hook.WithCommitObserver(rt.exporter.ObserveCommit),
	)

	rt.resolver, err = resolve.New(cfg.Hook.PID, logger, resolve.WithCacheSize(cfg.Hook.CacheSize))
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	for _, s := range cfg.Hook.Signatures {
		sig, err := resolve.ParseSignature(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.Name, err)
		}
		rt.resolver.RegisterSignature(s.Name, sig)
	}

	rt.pipeline = pipeline.New(logger)
	rt.gateway, err = gateway.New(rt.interceptor, cfg.Gateway, logger,
		gateway.WithRedactor(rt.redactor),
		gateway.WithEventSink(rt.exporter),
		gateway.WithObserver(rt.stats),
	)
	if err != nil {
		return nil, err
	}
	rt.gateway.Register(rt.pipeline)

	if err := rt.setUpstream(cfg.Server.Upstream); err != nil {
		return nil, err
	}
	rt.content, err = rt.interceptor.Bind(resolve.HandleOf(ServeContent), rt.serveContent)
	if err != nil {
		return nil, fmt.Errorf("bind content gate: %w", err)
	}

	if cfg.Health.Enabled {
		rt.health = health.NewServer(cfg.Health.Port, rt.version, rt.stats, logger)
		rt.health.SetHookState(rt.interceptor)
	}

	return rt, nil
}

func (rt *Runtime) setUpstream(upstream string) error {
	if upstream == "" {
		rt.upstream = nil
		return nil
	}
	u, err := url.Parse(upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid upstream %q", upstream)
	}
	rt.upstream = httputil.NewSingleHostReverseProxy(u)
	return nil
}

// Start installs the configured decision routine and trace listeners and
// starts the exporter and health server.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	ctx, rt.cancel = context.WithCancel(ctx)
	cfg := rt.cfg.Load()

	if err := rt.exporter.Start(ctx); err != nil {
		return fmt.Errorf("start exporter: %w", err)
	}

	routine, err := decision.FromConfig(ctx, cfg.Decision, rt.logger)
	if err != nil {
		return err
	}
	if routine != nil {
		if err := decision.Install(ctx, rt.interceptor, routine); err != nil {
			routine.Close(ctx)
			return err
		}
		rt.routine = routine
	}

	if err := rt.applyTrace(ctx, cfg.Hook.Trace); err != nil {
		return err
	}

	if rt.health != nil {
		if err := rt.health.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		rt.health.SetReady(true)
	}

	for _, g := range rt.interceptor.Gates() {
		rt.logger.Debug("gate bound",
			zap.String("name", g.Handle().Name),
			zap.String("symbol", rt.resolver.Symbolize(ctx, g.Handle().Addr)),
		)
	}
	rt.logger.Info("runtime started",
		zap.String("service", cfg.ServiceName),
		zap.Bool("gateway", cfg.Gateway.MainEnabled()),
		zap.String("engine", cfg.Decision.Engine),
		zap.Int("hooks", len(rt.interceptor.Active())),
	)
	return nil
}

// Reload applies a new configuration: gateway scopes take effect for the
// next request, and a changed decision engine or trace list is swapped in
// with one transaction each.
func (rt *Runtime) Reload(ctx context.Context, cfg *config.Config) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return fmt.Errorf("reload: runtime closed")
	}

	old := rt.cfg.Load()
	rt.gateway.Reconfigure(cfg.Gateway)

	var errs error
	if cfg.Decision != old.Decision {
		errs = multierr.Append(errs, rt.swapRoutine(ctx, cfg.Decision))
	}
	if !reflect.DeepEqual(cfg.Hook.Trace, old.Hook.Trace) {
		errs = multierr.Append(errs, rt.applyTrace(ctx, cfg.Hook.Trace))
	}
	if cfg.Server.Upstream != old.Server.Upstream {
		rt.logger.Warn("server.upstream changes need a restart")
	}

	rt.cfg.Store(cfg)
	rt.logger.Info("configuration reloaded",
		zap.Bool("gateway", cfg.Gateway.MainEnabled()),
		zap.String("engine", cfg.Decision.Engine),
		zap.Error(errs),
	)
	return errs
}

func (rt *Runtime) swapRoutine(ctx context.Context, cfg config.DecisionConfig) error {
	next, err := decision.FromConfig(ctx, cfg, rt.logger)
	if err != nil {
		return err
	}
	if err := decision.Reinstall(ctx, rt.interceptor, next); err != nil {
		if next != nil {
			next.Close(ctx)
		}
		return err
	}
	old := rt.routine
	rt.routine = next
	return rt.retire(ctx, old)
}

// drainTimeout bounds how long a reload or shutdown waits for decisions
// still running on a replaced engine.
const drainTimeout = 5 * time.Second

// retire closes r once the decisions running on it have returned. Past
// drainTimeout the close moves to the background instead of failing the
// requests still inside r.
func (rt *Runtime) retire(ctx context.Context, r decision.Routine) error {
	if r == nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	err := decision.Retire(dctx, rt.interceptor, r)
	if errors.Is(err, context.DeadlineExceeded) {
		rt.logger.Warn("decisions still running on replaced engine, closing it later",
			zap.String("engine", r.Name()))
		go func() {
			if err := decision.Retire(context.Background(), rt.interceptor, r); err != nil {
				rt.logger.Warn("close replaced engine", zap.String("engine", r.Name()), zap.Error(err))
			}
		}()
		return nil
	}
	return err
}

// applyTrace replaces the trace listeners with the ones traces names in a
// single transaction.
func (rt *Runtime) applyTrace(ctx context.Context, traces []config.TraceConfig) error {
	tx := rt.interceptor.BeginTransaction(ctx)
	for _, h := range rt.traced {
		tx.Revoke(h)
	}

	var traced []resolve.Handle
	counts := make(map[string]*hook.CountingListener)
	for _, tc := range traces {
		gates := rt.traceGates(ctx, tc.Target)
		if len(gates) == 0 {
			rt.logger.Warn("trace target has no bound gate", zap.String("target", tc.Target))
			continue
		}
		for _, g := range gates {
			h := g.Handle()
			var l hook.Listener
			switch tc.Listener {
			case "count":
				c := &hook.CountingListener{}
				counts[h.Name] = c
				l = hook.Tee{c, rt.stats.Listener()}
			default:
				l = hook.Tee{hook.LogListener{Logger: rt.logger}, rt.stats.Listener()}
			}
			tx.Attach(h, l, tc.Target)
			traced = append(traced, h)
		}
	}

	if err := tx.End(); err != nil {
		return fmt.Errorf("apply trace: %w", err)
	}
	rt.traced = traced
	rt.counts = counts
	return nil
}

// traceGates finds the gates target names: an exact symbol through the
// resolver first, then any bound gate whose name ends in target.
func (rt *Runtime) traceGates(ctx context.Context, target string) []*hook.Gate {
	if h, err := rt.resolver.ResolveUnique(ctx, target); err == nil {
		if g, ok := rt.interceptor.Lookup(h); ok {
			return []*hook.Gate{g}
		}
	}
	var gates []*hook.Gate
	for _, g := range rt.interceptor.Gates() {
		if strings.HasSuffix(g.Handle().Name, target) {
			gates = append(gates, g)
		}
	}
	return gates
}

// TraceCounts returns the calls seen by "count" trace listeners, by gate.
func (rt *Runtime) TraceCounts() map[string]uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[string]uint64, len(rt.counts))
	for name, c := range rt.counts {
		out[name] = c.Calls()
	}
	return out
}

// Config returns the active configuration.
func (rt *Runtime) Config() *config.Config { return rt.cfg.Load() }

// Interceptor returns the runtime's interceptor for embedders that bind
// their own gates.
func (rt *Runtime) Interceptor() *hook.Interceptor { return rt.interceptor }

// Resolver returns the runtime's address resolver.
func (rt *Runtime) Resolver() *resolve.Resolver { return rt.resolver }

// Pipeline returns the host request pipeline.
func (rt *Runtime) Pipeline() *pipeline.Pipeline { return rt.pipeline }

// Stats returns the runtime's metrics.
func (rt *Runtime) Stats() *health.Stats { return rt.stats }

// Close removes every hook in one transaction, so all gates run their
// originals again, then stops the services. It is safe to call more than
// once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true

	ctx := context.Background()
	var errs error

	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	if rt.health != nil {
		rt.health.SetReady(false)
		errs = multierr.Append(errs, rt.health.Stop())
	}

	if active := rt.interceptor.Active(); len(active) > 0 {
		tx := rt.interceptor.BeginTransaction(ctx)
		for _, h := range active {
			tx.Revoke(h.Target)
		}
		errs = multierr.Append(errs, tx.End())
	}
	errs = multierr.Append(errs, rt.retire(ctx, rt.routine))
	rt.routine = nil

	if rt.cancel != nil {
		rt.cancel()
	}
	errs = multierr.Append(errs, rt.exporter.Stop())

	exported, dropped := rt.exporter.Stats()
	rt.logger.Info("runtime stopped",
		zap.Uint64("generation", rt.interceptor.Generation()),
		zap.Int64("events_exported", exported),
		zap.Int64("events_dropped", dropped),
	)
	return errs
}
