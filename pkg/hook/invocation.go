// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"

	"github.com/mbeema/interpose/pkg/resolve"
)

type invocationKey struct{}

// Phase is where an invocation is in its call.
type Phase int

const (
	PhaseEnter Phase = iota
	PhaseLeave
)

// InvocationContext is the record of one call through a hooked gate. It is
// created at entry, owned by the calling goroutine and dropped at return;
// nested and concurrent calls each get their own.
type InvocationContext struct {
	ctx      context.Context
	hookID   uint64
	target   resolve.Handle
	args     []any
	tag      any
	data     any
	original Func

	phase Phase
	ret   any

	parent   *InvocationContext
	depth    int
	threadID int
}

func newInvocation(ctx context.Context, e *entry, original Func, args []any) *InvocationContext {
	parent := CurrentInvocation(ctx)
	inv := &InvocationContext{
		hookID:   e.id,
		target:   e.target,
		args:     append([]any(nil), args...),
		original: original,
		parent:   parent,
		threadID: threadID(),
	}
	if parent != nil {
		inv.depth = parent.depth + 1
	}
	switch p := e.payload.(type) {
	case *Attachment:
		inv.tag = p.Tag
	case *Replacement:
		inv.data = p.Data
	}
	inv.ctx = context.WithValue(ctx, invocationKey{}, inv)
	return inv
}

// CurrentInvocation returns the innermost invocation carried by ctx.
func CurrentInvocation(ctx context.Context) *InvocationContext {
	if ctx == nil {
		return nil
	}
	inv, _ := ctx.Value(invocationKey{}).(*InvocationContext)
	return inv
}

// Context returns the context the hooked body runs with. Transactions begun
// from it cannot revoke this invocation's hook.
func (ic *InvocationContext) Context() context.Context { return ic.ctx }

// HookID identifies the hook that produced this invocation.
func (ic *InvocationContext) HookID() uint64 { return ic.hookID }

// Target is the hooked function.
func (ic *InvocationContext) Target() resolve.Handle { return ic.target }

// NumArgs returns the number of captured arguments.
func (ic *InvocationContext) NumArgs() int { return len(ic.args) }

// Arg returns argument n, or nil when out of range. The view is shallow:
// pointer, slice and map arguments share their referents with the call, so
// a listener that writes through them changes what the function sees.
func (ic *InvocationContext) Arg(n int) any {
	if n < 0 || n >= len(ic.args) {
		return nil
	}
	return ic.args[n]
}

// Args returns a copy of the captured arguments. Only the slice is copied,
// see Arg.
func (ic *InvocationContext) Args() []any {
	return append([]any(nil), ic.args...)
}

// Tag is the attachment tag, nil for replacements.
func (ic *InvocationContext) Tag() any { return ic.tag }

// ReplacementData is the replacement data, nil for attachments.
func (ic *InvocationContext) ReplacementData() any { return ic.data }

// Phase reports whether the call is entering or leaving.
func (ic *InvocationContext) Phase() Phase { return ic.phase }

// ReturnValue is the value the call will return. It is nil while entering.
func (ic *InvocationContext) ReturnValue() any { return ic.ret }

// SetReturnValue replaces the value returned to the caller. It only takes
// effect while leaving and reports whether it did.
func (ic *InvocationContext) SetReturnValue(v any) bool {
	if ic.phase != PhaseLeave {
		return false
	}
	ic.ret = v
	return true
}

// Depth is the number of enclosing invocations on this call chain.
func (ic *InvocationContext) Depth() int { return ic.depth }

// Parent is the enclosing invocation, if any.
func (ic *InvocationContext) Parent() *InvocationContext { return ic.parent }

// ThreadID is the OS thread that entered the call.
func (ic *InvocationContext) ThreadID() int { return ic.threadID }

// Original is the unpatched entry point of the target.
func (ic *InvocationContext) Original() Func { return ic.original }

// CallOriginal forwards args to the unpatched target, keeping this
// invocation on the context chain.
func (ic *InvocationContext) CallOriginal(args ...any) any {
	return ic.original(ic.ctx, args...)
}
