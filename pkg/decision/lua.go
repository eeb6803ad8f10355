// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package decision

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/gateway"
)

// Lua runs a script that evaluates to a filter function. The function
// receives the extracted field as a string and returns true to allow.
//
//	return function(uri)
//	  return not string.find(uri, "^/admin")
//	end
type Lua struct {
	logger *zap.Logger

	mu sync.Mutex // an LState is single-threaded
	L  *lua.LState
	fn *lua.LFunction
}

// NewLua compiles src in a state with only the base, table, string and
// math libraries.
func NewLua(src string, logger *zap.Logger) (*Lua, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}

	chunk, err := L.LoadString(src)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("load lua script: %w", err)
	}
	L.Push(chunk)
	if err := L.PCall(0, 1, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("run lua script: %w", err)
	}
	fn, ok := L.Get(-1).(*lua.LFunction)
	L.Pop(1)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("lua script must return a function")
	}

	return &Lua{logger: logger, L: L, fn: fn}, nil
}

func (l *Lua) Name() string { return "lua" }

// Decide calls the filter with the extracted field. Script errors report a
// negative status.
func (l *Lua) Decide(ctx context.Context, view *gateway.View, off int, extract gateway.ExtractFunc) (uint64, int) {
	field := gateway.ExtractString(extract, view.Field(off), MaxFieldLen)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.L == nil {
		return 0, gateway.StatusUnavailable
	}

	l.L.SetContext(ctx)
	defer l.L.RemoveContext()

	if err := l.L.CallByParam(lua.P{Fn: l.fn, NRet: 1, Protect: true}, lua.LString(field)); err != nil {
		l.logger.Warn("lua filter failed", zap.Error(err))
		return 0, gateway.StatusUnavailable
	}
	ret := l.L.Get(-1)
	l.L.Pop(1)
	if lua.LVAsBool(ret) {
		return 0, 0
	}
	return 1, 0
}

// Close releases the state.
func (l *Lua) Close(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.L != nil {
		l.L.Close()
		l.L = nil
	}
	return nil
}
