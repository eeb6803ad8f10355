// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package decision

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/gateway"
	"github.com/mbeema/interpose/pkg/hook"
	"github.com/mbeema/interpose/pkg/pipeline"
)

const adminFilter = `
return function(uri)
  return string.find(uri, "^/admin") == nil
end
`

// testURLModule exports one page of memory and test_url(ptr), which
// returns 1 when the byte at ptr+1 is 'a'.
var testURLModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: (i32) -> i32
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	// function
	0x03, 0x02, 0x01, 0x00,
	// memory: min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export "memory", "test_url"
	0x07, 0x15, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x08, 't', 'e', 's', 't', '_', 'u', 'r', 'l', 0x00, 0x00,
	// code: local.get 0; i32.load8_u offset=1; i32.const 'a'; i32.eq
	0x0a, 0x0d, 0x01, 0x0b, 0x00,
	0x20, 0x00, 0x2d, 0x00, 0x01, 0x41, 0xe1, 0x00, 0x46, 0x0b,
}

// byteAtModule shares testURLModule's layout; its test_url(ptr) returns
// the byte at ptr+off, off < 16384.
func byteAtModule(off int) []byte {
	prefix := testURLModule[:len(testURLModule)-15]
	lo, hi := byte(off&0x7f|0x80), byte(off>>7)
	return append(append([]byte(nil), prefix...),
		// code: local.get 0; i32.load8_u offset=off
		0x0a, 0x0a, 0x01, 0x08, 0x00,
		0x20, 0x00, 0x2d, 0x00, lo, hi, 0x0b,
	)
}

func uriOfLen(n int) string {
	return "/" + strings.Repeat("a", n-1)
}

func decideURI(t *testing.T, r Routine, uri string) (uint64, int) {
	t.Helper()
	view := gateway.NewView(httptest.NewRequest("GET", uri, nil))
	return r.Decide(context.Background(), view, gateway.OffsetURI, gateway.Extract)
}

func TestStatic(t *testing.T) {
	v, s := decideURI(t, Allow, "/x")
	assert.Equal(t, uint64(0), v)
	assert.Equal(t, 0, s)
	v, _ = decideURI(t, Deny, "/x")
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, "deny", Deny.Name())
}

func TestLuaFilter(t *testing.T) {
	l, err := NewLua(adminFilter, zap.NewNop())
	require.NoError(t, err)
	defer l.Close(context.Background())

	tests := []struct {
		uri     string
		verdict uint64
	}{
		{"/", 0},
		{"/public/a", 0},
		{"/admin", 1},
		{"/admin/users?id=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			v, s := decideURI(t, l, tt.uri)
			assert.Equal(t, 0, s)
			assert.Equal(t, tt.verdict, v)
		})
	}
}

func TestLuaScriptMustReturnFunction(t *testing.T) {
	_, err := NewLua(`return 42`, zap.NewNop())
	assert.ErrorContains(t, err, "must return a function")

	_, err = NewLua(`return function(`, zap.NewNop())
	assert.Error(t, err)
}

func TestLuaSandboxHasNoOS(t *testing.T) {
	_, err := NewLua(`os.exit(1)`, zap.NewNop())
	assert.Error(t, err)
}

func TestLuaRuntimeErrorIsUnavailable(t *testing.T) {
	l, err := NewLua(`return function(uri) error("boom") end`, zap.NewNop())
	require.NoError(t, err)
	defer l.Close(context.Background())

	_, s := decideURI(t, l, "/x")
	assert.Equal(t, gateway.StatusUnavailable, s)
}

func TestLuaClosed(t *testing.T) {
	l, err := NewLua(adminFilter, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, l.Close(context.Background()))

	_, s := decideURI(t, l, "/x")
	assert.Equal(t, gateway.StatusUnavailable, s)
}

func TestWasmTestURL(t *testing.T) {
	ctx := context.Background()
	w, err := NewWasm(ctx, testURLModule, zap.NewNop())
	require.NoError(t, err)
	defer w.Close(ctx)

	v, s := decideURI(t, w, "/admin")
	assert.Equal(t, 0, s)
	assert.Equal(t, uint64(1), v)

	v, s = decideURI(t, w, "/public")
	assert.Equal(t, 0, s)
	assert.Equal(t, uint64(0), v)
}

func TestWasmRejectsBadModule(t *testing.T) {
	_, err := NewWasm(context.Background(), []byte("not wasm"), zap.NewNop())
	assert.Error(t, err)
}

func TestWasmMissingExport(t *testing.T) {
	// Header plus an empty module.
	_, err := NewWasm(context.Background(), testURLModule[:8], zap.NewNop())
	assert.ErrorContains(t, err, "test_url")
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	script := filepath.Join(dir, "policy.lua")
	require.NoError(t, os.WriteFile(script, []byte(adminFilter), 0644))
	module := filepath.Join(dir, "policy.wasm")
	require.NoError(t, os.WriteFile(module, testURLModule, 0644))

	r, err := FromConfig(ctx, config.DecisionConfig{Engine: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = FromConfig(ctx, config.DecisionConfig{Engine: "deny"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Deny, r)

	r, err = FromConfig(ctx, config.DecisionConfig{Engine: "lua", Script: script}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "lua", r.Name())
	r.Close(ctx)

	r, err = FromConfig(ctx, config.DecisionConfig{Engine: "wasm", Module: module}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "wasm", r.Name())
	r.Close(ctx)

	_, err = FromConfig(ctx, config.DecisionConfig{Engine: "lua", Script: filepath.Join(dir, "missing.lua")}, zap.NewNop())
	assert.Error(t, err)

	_, err = FromConfig(ctx, config.DecisionConfig{Engine: "perl"}, zap.NewNop())
	assert.Error(t, err)
}

func newGateway(t *testing.T) (*gateway.Gateway, *hook.Interceptor) {
	t.Helper()
	enabled := true
	cfg := config.DefaultConfig().Gateway
	cfg.Enabled = &enabled
	ic := hook.New(zap.NewNop())
	g, err := gateway.New(ic, cfg, zap.NewNop())
	require.NoError(t, err)
	return g, ic
}

func TestInstallDrivesGateway(t *testing.T) {
	ctx := context.Background()
	g, ic := newGateway(t)

	l, err := NewLua(adminFilter, zap.NewNop())
	require.NoError(t, err)
	defer l.Close(ctx)
	require.NoError(t, Install(ctx, ic, l))

	assert.Equal(t, pipeline.Continue, g.Handle(ctx, httptest.NewRequest("GET", "/home", nil)))
	assert.Equal(t, pipeline.Reject, g.Handle(ctx, httptest.NewRequest("GET", "/admin/x", nil)))

	// A second Install conflicts with the first.
	assert.ErrorIs(t, Install(ctx, ic, Allow), hook.ErrHookConflict)
}

func TestReinstallSwapsRoutine(t *testing.T) {
	ctx := context.Background()
	g, ic := newGateway(t)
	req := func() pipeline.Outcome { return g.Handle(ctx, httptest.NewRequest("GET", "/x", nil)) }

	// No routine fails closed.
	assert.Equal(t, pipeline.InternalError, req())

	require.NoError(t, Reinstall(ctx, ic, Deny))
	assert.Equal(t, pipeline.Reject, req())

	require.NoError(t, Reinstall(ctx, ic, Allow))
	assert.Equal(t, pipeline.Continue, req())
	assert.Len(t, ic.Active(), 1)

	require.NoError(t, Reinstall(ctx, ic, nil))
	assert.False(t, ic.IsHooked(gateway.DecisionHandle()))
	assert.Equal(t, pipeline.InternalError, req())
}

func TestRoutineFunc(t *testing.T) {
	r := RoutineFunc(func(ctx context.Context, v *gateway.View, off int, extract gateway.ExtractFunc) (uint64, int) {
		return 7, 0
	})
	v, _ := decideURI(t, r, "/")
	assert.Equal(t, uint64(7), v)
	assert.NoError(t, r.Close(context.Background()))
}

func TestWasmFieldIsNULTerminated(t *testing.T) {
	ctx := context.Background()
	last, err := NewWasm(ctx, byteAtModule(MaxFieldLen), zap.NewNop())
	require.NoError(t, err)
	defer last.Close(ctx)
	before, err := NewWasm(ctx, byteAtModule(MaxFieldLen-1), zap.NewNop())
	require.NoError(t, err)
	defer before.Close(ctx)

	tests := []struct {
		n          int
		lastByte   uint64
		beforeLast uint64
	}{
		{MaxFieldLen - 1, 0, 0},
		{MaxFieldLen, 0, 'a'},
		{FieldBufferSize, 0, 'a'},
		{700, 0, 'a'},
	}
	for _, tt := range tests {
		v, s := decideURI(t, last, uriOfLen(tt.n))
		assert.Equal(t, 0, s)
		assert.Equal(t, tt.lastByte, v, "byte %d of a %d byte field", MaxFieldLen, tt.n)

		v, s = decideURI(t, before, uriOfLen(tt.n))
		assert.Equal(t, 0, s)
		assert.Equal(t, tt.beforeLast, v, "byte %d of a %d byte field", MaxFieldLen-1, tt.n)
	}
}

func TestLuaFieldIsBounded(t *testing.T) {
	l, err := NewLua(`return function(uri) return #uri ~= 511 end`, zap.NewNop())
	require.NoError(t, err)
	defer l.Close(context.Background())

	for n, want := range map[int]uint64{300: 0, MaxFieldLen: 1, FieldBufferSize: 1, 700: 1} {
		v, s := decideURI(t, l, uriOfLen(n))
		assert.Equal(t, 0, s)
		assert.Equal(t, want, v, "field of %d bytes", n)
	}
}

func TestRetireWaitsForRunningDecision(t *testing.T) {
	ctx := context.Background()
	ic := hook.New(zap.NewNop())
	l, err := NewLua(adminFilter, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Install(ctx, ic, l))
	gate, ok := ic.Lookup(gateway.DecisionHandle())
	require.True(t, ok)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := gateway.ExtractFunc(func(f gateway.FieldRef, out []byte) int {
		once.Do(func() { close(entered) })
		<-release
		return gateway.Extract(f, out)
	})

	view := gateway.NewView(httptest.NewRequest("GET", "/admin", nil))
	done := make(chan any)
	go func() { done <- gate.Call(ctx, view, gateway.OffsetURI, blocking) }()
	<-entered

	require.NoError(t, Reinstall(ctx, ic, Allow))
	retired := make(chan error)
	go func() { retired <- Retire(ctx, ic, l) }()

	select {
	case <-retired:
		t.Fatal("routine retired while a decision was running on it")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, gateway.Decision{Verdict: 1, Status: 0}, <-done)
	require.NoError(t, <-retired)

	// The retired routine is closed; the gate now runs the new one.
	_, s := decideURI(t, l, "/x")
	assert.Equal(t, gateway.StatusUnavailable, s)
	assert.Equal(t, gateway.Decision{}, gate.Call(ctx, view, gateway.OffsetURI, gateway.ExtractFunc(gateway.Extract)))
}

func TestRetireTimesOutAndKeepsRoutineOpen(t *testing.T) {
	ctx := context.Background()
	ic := hook.New(zap.NewNop())
	l, err := NewLua(adminFilter, zap.NewNop())
	require.NoError(t, err)
	defer l.Close(ctx)
	require.NoError(t, Install(ctx, ic, l))
	gate, _ := ic.Lookup(gateway.DecisionHandle())

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := gateway.ExtractFunc(func(f gateway.FieldRef, out []byte) int {
		close(entered)
		<-release
		return gateway.Extract(f, out)
	})
	view := gateway.NewView(httptest.NewRequest("GET", "/home", nil))
	done := make(chan any)
	go func() { done <- gate.Call(ctx, view, gateway.OffsetURI, blocking) }()
	<-entered

	require.NoError(t, Reinstall(ctx, ic, Deny))
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, Retire(tctx, ic, l), context.DeadlineExceeded)

	close(release)
	assert.Equal(t, gateway.Decision{Verdict: 0, Status: 0}, <-done)
	assert.NoError(t, Retire(ctx, ic, nil))
}

func TestConcurrentReinstall(t *testing.T) {
	ctx := context.Background()
	ic := hook.New(zap.NewNop())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := Allow
			if i%2 == 1 {
				r = Deny
			}
			errs[i] = Reinstall(ctx, ic, r)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, ic.Active(), 1)
}
