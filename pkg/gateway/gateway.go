// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package gateway is the request policy gateway. At the access phase it
// hands a fixed-size view of the request to the decision routine installed
// on the RunAtHandler gate and turns the verdict into a pipeline outcome.
// It fails closed: any failure to reach or run the routine is an internal
// error, never a pass.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/breaker"
	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/pipeline"
	"github.com/mbeema/interpose/pkg/redact"
)

// ErrDecisionUnavailable means the decision routine could not produce a
// verdict.
var ErrDecisionUnavailable = errors.New("gateway: decision routine unavailable")

// Event describes one stopped request.
type Event struct {
	Time       time.Time
	Outcome    pipeline.Outcome
	Reason     string
	Method     string
	URI        string // redacted
	Host       string
	RemoteAddr string
	Verdict    uint64
	Status     int
	Latency    time.Duration
}

// EventSink receives every non-continue outcome.
type EventSink interface {
	Emit(ev Event)
}

// Observer is told about every decision the gateway made.
type Observer interface {
	ObserveDecision(outcome pipeline.Outcome, latency time.Duration)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBreaker replaces the breaker built from config.
func WithBreaker(b *breaker.Breaker) Option {
	return func(g *Gateway) { g.breaker = b }
}

// WithRedactor sets the redactor applied to logged URIs.
func WithRedactor(r *redact.Redactor) Option {
	return func(g *Gateway) { g.redactor = r }
}

// WithEventSink sets where stopped requests are reported.
func WithEventSink(s EventSink) Option {
	return func(g *Gateway) { g.sink = s }
}

// WithObserver sets the decision observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// Gateway is an access-phase pipeline handler.
type Gateway struct {
	logger   *zap.Logger
	gate     *hook.Gate
	scopes   atomic.Pointer[Scope]
	bufSize  atomic.Int64
	breaker  *breaker.Breaker
	redactor *redact.Redactor
	sink     EventSink
	observer Observer
}

// New creates a gateway calling the decision gate of ic.
func New(ic *hook.Interceptor, cfg config.GatewayConfig, logger *zap.Logger, opts ...Option) (*Gateway, error) {
	gate, err := BindDecisionGate(ic)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		logger:  logger,
		gate:    gate,
		breaker: breaker.New(cfg.Breaker.Threshold, cfg.Breaker.ResetTimeout),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.Reconfigure(cfg)
	return g, nil
}

// Reconfigure swaps in new scopes. Requests already past scope resolution
// are unaffected.
func (g *Gateway) Reconfigure(cfg config.GatewayConfig) {
	g.scopes.Store(NewScopeTree(cfg))
	size := cfg.ExtractBuffer
	if size <= 0 {
		size = 512
	}
	g.bufSize.Store(int64(size))
}

// Register installs the gateway at the access phase.
func (g *Gateway) Register(p *pipeline.Pipeline) {
	p.Register(pipeline.PhaseAccess, g)
}

// Enabled reports whether the gateway applies to path.
func (g *Gateway) Enabled(path string) bool {
	return g.scopes.Load().Enabled(path)
}

// Handle implements pipeline.Handler.
func (g *Gateway) Handle(ctx context.Context, r *http.Request) pipeline.Outcome {
	if !g.Enabled(r.URL.Path) {
		return pipeline.Continue
	}

	start := time.Now()
	view := NewView(r)
	d, err := g.decide(ctx, view)
	latency := time.Since(start)

	out := pipeline.Continue
	reason := ""
	switch {
	case err != nil:
		out, reason = pipeline.InternalError, err.Error()
	case d.Verdict != 0:
		out, reason = pipeline.Reject, fmt.Sprintf("verdict %d", d.Verdict)
	}

	if g.observer != nil {
		g.observer.ObserveDecision(out, latency)
	}
	if out != pipeline.Continue {
		g.report(view, out, reason, d, latency, err)
	}
	return out
}

func (g *Gateway) decide(ctx context.Context, view *View) (d Decision, err error) {
	if !g.breaker.Allow() {
		return Decision{Status: StatusUnavailable},
			fmt.Errorf("%w: circuit %s", ErrDecisionUnavailable, g.breaker.State())
	}
	defer func() {
		if rec := recover(); rec != nil {
			g.breaker.RecordFailure()
			d = Decision{Status: StatusUnavailable}
			err = fmt.Errorf("%w: routine panicked: %v", ErrDecisionUnavailable, rec)
		}
	}()

	res := g.gate.Call(ctx, view, OffsetURI, ExtractFunc(Extract))
	d, ok := res.(Decision)
	if !ok {
		g.breaker.RecordFailure()
		return Decision{Status: StatusUnavailable},
			fmt.Errorf("%w: unexpected result %T", ErrDecisionUnavailable, res)
	}
	if d.Status < 0 {
		g.breaker.RecordFailure()
		return d, fmt.Errorf("%w: status %d", ErrDecisionUnavailable, d.Status)
	}
	g.breaker.RecordSuccess()
	return d, nil
}

func (g *Gateway) report(view *View, out pipeline.Outcome, reason string, d Decision, latency time.Duration, err error) {
	n := int(g.bufSize.Load())
	ev := Event{
		Time:       time.Now(),
		Outcome:    out,
		Reason:     reason,
		Method:     ExtractString(Extract, view.Field(OffsetMethod), n),
		URI:        g.redactor.RedactURI(ExtractString(Extract, view.Field(OffsetURI), n)),
		Host:       ExtractString(Extract, view.Field(OffsetHost), n),
		RemoteAddr: ExtractString(Extract, view.Field(OffsetRemoteAddr), n),
		Verdict:    d.Verdict,
		Status:     d.Status,
		Latency:    latency,
	}

	fields := []zap.Field{
		zap.String("outcome", out.String()),
		zap.String("method", ev.Method),
		zap.String("uri", ev.URI),
		zap.String("remote", ev.RemoteAddr),
		zap.Uint64("verdict", d.Verdict),
		zap.Int("status", d.Status),
		zap.Duration("latency", latency),
	}
	if err != nil {
		g.logger.Error("request failed closed", append(fields, zap.Error(err))...)
	} else {
		g.logger.Info("request rejected", fields...)
	}

	if g.sink != nil {
		g.sink.Emit(ev)
	}
}
