// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener receives the enter and leave notifications of an attached hook.
// Callbacks run on the calling goroutine, possibly concurrently with other
// calls; a listener synchronizes its own state.
type Listener interface {
	OnEnter(ic *InvocationContext)
	OnLeave(ic *InvocationContext)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Enter func(ic *InvocationContext)
	Leave func(ic *InvocationContext)
}

func (f ListenerFuncs) OnEnter(ic *InvocationContext) {
	if f.Enter != nil {
		f.Enter(ic)
	}
}

func (f ListenerFuncs) OnLeave(ic *InvocationContext) {
	if f.Leave != nil {
		f.Leave(ic)
	}
}

// CountingListener counts calls and returns. Counters are atomic, so the
// counts are exact under concurrent calls.
type CountingListener struct {
	calls atomic.Uint64
	exits atomic.Uint64
}

func (c *CountingListener) OnEnter(*InvocationContext) { c.calls.Add(1) }
func (c *CountingListener) OnLeave(*InvocationContext) { c.exits.Add(1) }

// Calls is the number of entered calls.
func (c *CountingListener) Calls() uint64 { return c.calls.Load() }

// Exits is the number of returned calls.
func (c *CountingListener) Exits() uint64 { return c.exits.Load() }

// InFlight is the number of calls entered but not yet returned.
func (c *CountingListener) InFlight() uint64 {
	exits := c.exits.Load()
	calls := c.calls.Load()
	if exits > calls {
		return 0
	}
	return calls - exits
}

// LogListener logs every enter and leave at debug level.
type LogListener struct {
	Logger *zap.Logger
}

func (l LogListener) OnEnter(ic *InvocationContext) {
	l.Logger.Debug("enter",
		zap.String("target", ic.Target().Name),
		zap.Uint64("hook", ic.HookID()),
		zap.Int("depth", ic.Depth()),
		zap.Int("tid", ic.ThreadID()),
		zap.Int("args", ic.NumArgs()),
		zap.Any("tag", ic.Tag()),
	)
}

func (l LogListener) OnLeave(ic *InvocationContext) {
	l.Logger.Debug("leave",
		zap.String("target", ic.Target().Name),
		zap.Uint64("hook", ic.HookID()),
		zap.Int("depth", ic.Depth()),
		zap.Any("ret", ic.ReturnValue()),
	)
}

// Tee fans notifications out to several listeners. Leave runs in reverse
// order so the listeners nest.
type Tee []Listener

func (t Tee) OnEnter(ic *InvocationContext) {
	for _, l := range t {
		l.OnEnter(ic)
	}
}

func (t Tee) OnLeave(ic *InvocationContext) {
	for i := len(t) - 1; i >= 0; i-- {
		t[i].OnLeave(ic)
	}
}
