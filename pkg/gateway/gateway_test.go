// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/breaker"
	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/pipeline"
	"github.com/mbeema/interpose/pkg/redact"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

type countingObserver struct {
	outcomes map[pipeline.Outcome]int
}

func (o *countingObserver) ObserveDecision(out pipeline.Outcome, _ time.Duration) {
	o.outcomes[out]++
}

func gatewayConfig(enabled *bool) config.GatewayConfig {
	cfg := config.DefaultConfig().Gateway
	cfg.Enabled = enabled
	return cfg
}

func newTestGateway(t *testing.T, cfg config.GatewayConfig, opts ...Option) (*Gateway, *hook.Interceptor) {
	t.Helper()
	ic := hook.New(zap.NewNop())
	g, err := New(ic, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return g, ic
}

func install(t *testing.T, ic *hook.Interceptor, fn DecideFunc) {
	t.Helper()
	require.NoError(t, ic.Replace(context.Background(), DecisionHandle(), HookFunc(fn), nil))
}

func request(target string) *http.Request {
	return httptest.NewRequest("GET", target, nil)
}

func TestDisabledScopeSkipsDecision(t *testing.T) {
	g, ic := newTestGateway(t, gatewayConfig(nil))
	var calls int
	install(t, ic, func(context.Context, *View, int, ExtractFunc) (uint64, int) {
		calls++
		return 1, 0
	})

	for i := 0; i < 10; i++ {
		assert.Equal(t, pipeline.Continue, g.Handle(context.Background(), request("/any")))
	}
	assert.Zero(t, calls)
}

func TestVerdictMapping(t *testing.T) {
	tests := []struct {
		name    string
		verdict uint64
		status  int
		want    pipeline.Outcome
	}{
		{"allow", 0, 0, pipeline.Continue},
		{"reject", 1, 0, pipeline.Reject},
		{"reject large verdict", 42, 3, pipeline.Reject},
		{"status failure", 0, -1, pipeline.InternalError},
		{"status failure wins over verdict", 1, -5, pipeline.InternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, ic := newTestGateway(t, gatewayConfig(boolPtr(true)))
			install(t, ic, func(context.Context, *View, int, ExtractFunc) (uint64, int) {
				return tt.verdict, tt.status
			})
			for i := 0; i < 3; i++ {
				assert.Equal(t, tt.want, g.Handle(context.Background(), request("/x")))
			}
		})
	}
}

func TestNoEngineFailsClosed(t *testing.T) {
	g, _ := newTestGateway(t, gatewayConfig(boolPtr(true)))
	assert.Equal(t, pipeline.InternalError, g.Handle(context.Background(), request("/x")))
}

func TestRoutineSeesURIThroughExtract(t *testing.T) {
	g, ic := newTestGateway(t, gatewayConfig(boolPtr(true)))
	var seenOffset int
	var seenURI string
	install(t, ic, func(_ context.Context, view *View, off int, extract ExtractFunc) (uint64, int) {
		seenOffset = off
		seenURI = ExtractString(extract, view.Field(off), 512)
		if seenURI == "/blocked" {
			return 1, 0
		}
		return 0, 0
	})

	assert.Equal(t, pipeline.Continue, g.Handle(context.Background(), request("/ok?x=1")))
	assert.Equal(t, OffsetURI, seenOffset)
	assert.Equal(t, "/ok?x=1", seenURI)
	assert.Equal(t, pipeline.Reject, g.Handle(context.Background(), request("/blocked")))
}

func TestPanickingRoutineIsInternalError(t *testing.T) {
	g, ic := newTestGateway(t, gatewayConfig(boolPtr(true)))
	install(t, ic, func(context.Context, *View, int, ExtractFunc) (uint64, int) {
		panic("engine crashed")
	})
	assert.Equal(t, pipeline.InternalError, g.Handle(context.Background(), request("/x")))
}

func TestBreakerOpensAndFailsClosed(t *testing.T) {
	b := breaker.New(2, time.Hour)
	g, ic := newTestGateway(t, gatewayConfig(boolPtr(true)), WithBreaker(b))
	var calls int
	install(t, ic, func(context.Context, *View, int, ExtractFunc) (uint64, int) {
		calls++
		return 0, -1
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, pipeline.InternalError, g.Handle(context.Background(), request("/x")))
	}
	assert.Equal(t, 2, calls, "open breaker must stop calling the routine")
	assert.Equal(t, breaker.Open, b.State())
}

func TestEventsAndObserver(t *testing.T) {
	sink := &recordingSink{}
	obs := &countingObserver{outcomes: map[pipeline.Outcome]int{}}
	g, ic := newTestGateway(t, gatewayConfig(boolPtr(true)),
		WithEventSink(sink), WithObserver(obs), WithRedactor(redact.New(true, nil)))
	install(t, ic, func(_ context.Context, view *View, off int, extract ExtractFunc) (uint64, int) {
		if ExtractString(extract, view.Field(off), 512) == "/" {
			return 0, 0
		}
		return 7, 0
	})

	assert.Equal(t, pipeline.Continue, g.Handle(context.Background(), request("/")))
	assert.Equal(t, pipeline.Reject, g.Handle(context.Background(), request("/login?token=abc")))

	assert.Equal(t, 1, obs.outcomes[pipeline.Continue])
	assert.Equal(t, 1, obs.outcomes[pipeline.Reject])

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, pipeline.Reject, ev.Outcome)
	assert.Equal(t, "/login?token=[REDACTED]", ev.URI)
	assert.Equal(t, "GET", ev.Method)
	assert.Equal(t, uint64(7), ev.Verdict)
}

func TestReconfigureSwapsScopes(t *testing.T) {
	g, ic := newTestGateway(t, gatewayConfig(nil))
	install(t, ic, func(context.Context, *View, int, ExtractFunc) (uint64, int) { return 1, 0 })

	assert.Equal(t, pipeline.Continue, g.Handle(context.Background(), request("/x")))
	g.Reconfigure(gatewayConfig(boolPtr(true)))
	assert.Equal(t, pipeline.Reject, g.Handle(context.Background(), request("/x")))
}

func TestGatewayBehindPipeline(t *testing.T) {
	g, ic := newTestGateway(t, gatewayConfig(boolPtr(true)))
	install(t, ic, func(_ context.Context, view *View, off int, extract ExtractFunc) (uint64, int) {
		switch ExtractString(extract, view.Field(off), 512) {
		case "/deny":
			return 1, 0
		case "/broken":
			return 0, -1
		}
		return 0, 0
	})

	p := pipeline.New(zap.NewNop())
	g.Register(p)
	router := p.Router(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}))

	for path, want := range map[string]int{
		"/allow":  http.StatusOK,
		"/deny":   http.StatusForbidden,
		"/broken": http.StatusInternalServerError,
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, request(path))
		assert.Equal(t, want, w.Code, path)
	}
}

func TestBindDecisionGateIsShared(t *testing.T) {
	ic := hook.New(zap.NewNop())
	g1, err := BindDecisionGate(ic)
	require.NoError(t, err)
	g2, err := BindDecisionGate(ic)
	require.NoError(t, err)
	assert.Same(t, g1, g2)

	res := g1.Call(context.Background(), "wrong", "args")
	assert.Equal(t, Decision{Status: StatusUnavailable}, res)
}
