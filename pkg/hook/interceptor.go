// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook is an in-process function interception engine.
//
// Every interceptable function is a Gate bound at its code address. The set
// of active hooks is an immutable table published through an atomic pointer:
// a Transaction builds the next table and commits it with a single store, so
// a call entering a gate sees either every operation of a batch or none of
// them. Calls already running keep the table they loaded on entry.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/resolve"
)

var (
	ErrHookConflict       = errors.New("hook: target already hooked")
	ErrTransactionAborted = errors.New("hook: transaction aborted")
	ErrNotHooked          = errors.New("hook: target not hooked")
	ErrUnknownTarget      = errors.New("hook: no gate bound at target")
	ErrNullTarget         = errors.New("hook: null target address")
	ErrSelfRevoke         = errors.New("hook: revoke from inside own invocation")
	ErrTransactionClosed  = errors.New("hook: transaction already ended")
	ErrAlreadyBound       = errors.New("hook: gate already bound at address")
)

// Func is the calling convention of gated functions.
type Func func(ctx context.Context, args ...any) any

// Mode is the kind of an installed hook.
type Mode int

const (
	ModeAttach Mode = iota + 1
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeAttach:
		return "attach"
	case ModeReplace:
		return "replace"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Payload is what a hook does when its gate is entered: either an
// *Attachment or a *Replacement.
type Payload interface {
	mode() Mode
}

// Attachment observes calls through a Listener.
type Attachment struct {
	Listener Listener
	Tag      any
}

// Replacement runs Fn instead of the original. Data is handed to Fn through
// InvocationContext.ReplacementData.
type Replacement struct {
	Fn   Func
	Data any
}

func (*Attachment) mode() Mode  { return ModeAttach }
func (*Replacement) mode() Mode { return ModeReplace }

type entry struct {
	id      uint64
	target  resolve.Handle
	payload Payload
}

// table is never mutated after publication. refs counts the calls running
// against it; once a commit replaces it, retired is set and no new call
// may start on it.
type table struct {
	gen     uint64
	entries map[uintptr]*entry

	refs    atomic.Int64
	retired atomic.Bool
}

func (t *table) clone() *table {
	next := &table{gen: t.gen, entries: make(map[uintptr]*entry, len(t.entries)+1)}
	for k, v := range t.entries {
		next.entries[k] = v
	}
	return next
}

// Hook describes one active hook.
type Hook struct {
	ID     uint64
	Target resolve.Handle
	Mode   Mode
}

// CommitEvent is reported after every transaction end.
type CommitEvent struct {
	Generation uint64
	Ops        int
	Active     int
	Err        error
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithCommitObserver registers fn to be told about every commit and abort.
func WithCommitObserver(fn func(CommitEvent)) Option {
	return func(ic *Interceptor) { ic.observers = append(ic.observers, fn) }
}

// Interceptor owns the gates and the hook table of one process.
type Interceptor struct {
	logger    *zap.Logger
	observers []func(CommitEvent)

	commitMu sync.Mutex
	current  atomic.Pointer[table]
	nextID   atomic.Uint64
	draining []*table // retired tables that may still have calls, guarded by commitMu

	gatesMu sync.RWMutex
	gates   map[uintptr]*Gate
}

// New creates an interceptor with an empty hook table.
func New(logger *zap.Logger, opts ...Option) *Interceptor {
	ic := &Interceptor{
		logger: logger,
		gates:  make(map[uintptr]*Gate),
	}
	for _, opt := range opts {
		opt(ic)
	}
	ic.current.Store(&table{entries: map[uintptr]*entry{}})
	return ic
}

// Bind makes impl interceptable at handle's address.
func (ic *Interceptor) Bind(handle resolve.Handle, impl Func) (*Gate, error) {
	if !handle.Valid() {
		return nil, fmt.Errorf("bind %s: %w", handle.Name, ErrNullTarget)
	}
	if impl == nil {
		return nil, fmt.Errorf("bind %s: nil implementation", handle)
	}

	ic.gatesMu.Lock()
	defer ic.gatesMu.Unlock()
	if _, ok := ic.gates[handle.Addr]; ok {
		return nil, fmt.Errorf("bind %s: %w", handle, ErrAlreadyBound)
	}
	g := &Gate{ic: ic, handle: handle, impl: impl}
	ic.gates[handle.Addr] = g
	return g, nil
}

// Lookup returns the gate bound at handle's address.
func (ic *Interceptor) Lookup(handle resolve.Handle) (*Gate, bool) {
	ic.gatesMu.RLock()
	defer ic.gatesMu.RUnlock()
	g, ok := ic.gates[handle.Addr]
	return g, ok
}

// Gates lists the bound gates ordered by address.
func (ic *Interceptor) Gates() []*Gate {
	ic.gatesMu.RLock()
	gates := make([]*Gate, 0, len(ic.gates))
	for _, g := range ic.gates {
		gates = append(gates, g)
	}
	ic.gatesMu.RUnlock()
	sort.Slice(gates, func(i, j int) bool { return gates[i].handle.Addr < gates[j].handle.Addr })
	return gates
}

// Original returns the unpatched entry point of the gate at handle. Calling
// it never enters any hook.
func (ic *Interceptor) Original(handle resolve.Handle) (Func, error) {
	g, ok := ic.Lookup(handle)
	if !ok {
		return nil, fmt.Errorf("original %s: %w", handle, ErrUnknownTarget)
	}
	return g.impl, nil
}

// Generation is the number of committed non-empty transactions.
func (ic *Interceptor) Generation() uint64 {
	return ic.current.Load().gen
}

// Active lists the installed hooks ordered by address.
func (ic *Interceptor) Active() []Hook {
	t := ic.current.Load()
	hooks := make([]Hook, 0, len(t.entries))
	for _, e := range t.entries {
		hooks = append(hooks, Hook{ID: e.id, Target: e.target, Mode: e.payload.mode()})
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Target.Addr < hooks[j].Target.Addr })
	return hooks
}

// IsHooked reports whether handle currently has a hook.
func (ic *Interceptor) IsHooked(handle resolve.Handle) bool {
	_, ok := ic.current.Load().entries[handle.Addr]
	return ok
}

// Attach installs a single attachment in its own transaction.
func (ic *Interceptor) Attach(ctx context.Context, handle resolve.Handle, l Listener, tag any) error {
	tx := ic.BeginTransaction(ctx)
	tx.Attach(handle, l, tag)
	return tx.End()
}

// Replace installs a single replacement in its own transaction.
func (ic *Interceptor) Replace(ctx context.Context, handle resolve.Handle, fn Func, data any) error {
	tx := ic.BeginTransaction(ctx)
	tx.Replace(handle, fn, data)
	return tx.End()
}

// Revoke removes a single hook in its own transaction.
func (ic *Interceptor) Revoke(ctx context.Context, handle resolve.Handle) error {
	tx := ic.BeginTransaction(ctx)
	tx.Revoke(handle)
	return tx.End()
}

// acquire pins the current table for one call. A table retired between the
// load and the pin is released and the load retried, so a call either
// starts on a live table or is counted before its table is retired.
func (ic *Interceptor) acquire() *table {
	for {
		t := ic.current.Load()
		t.refs.Add(1)
		if !t.retired.Load() {
			return t
		}
		t.refs.Add(-1)
	}
}

// retire marks t replaced. Called with commitMu held.
func (ic *Interceptor) retire(t *table) {
	t.retired.Store(true)
	live := ic.draining[:0]
	for _, d := range ic.draining {
		if d.refs.Load() > 0 {
			live = append(live, d)
		}
	}
	if t.refs.Load() > 0 {
		live = append(live, t)
	}
	ic.draining = live
}

const drainPoll = time.Millisecond

// Drain waits until every call that started before the last commit has
// returned. After Drain, nothing runs a hook that the last commit removed,
// so its resources can be released. Draining from inside a call that is
// itself pinned to a replaced table waits until ctx is done.
func (ic *Interceptor) Drain(ctx context.Context) error {
	ic.commitMu.Lock()
	pending := append([]*table(nil), ic.draining...)
	ic.commitMu.Unlock()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for _, t := range pending {
		for t.refs.Load() > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("drain generation %d: %w", t.gen, ctx.Err())
			case <-ticker.C:
			}
		}
	}
	return nil
}

func (ic *Interceptor) notify(ev CommitEvent) {
	for _, fn := range ic.observers {
		fn(ev)
	}
}
