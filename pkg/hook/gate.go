// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"

	"github.com/mbeema/interpose/pkg/resolve"
)

// Gate is the interceptable entry point of one function.
type Gate struct {
	ic     *Interceptor
	handle resolve.Handle
	impl   Func
}

// Handle is the address the gate is bound at.
func (g *Gate) Handle() resolve.Handle { return g.handle }

// Call enters the function. The hook table is loaded once here and pinned
// until the call returns; a commit that lands while the call runs does not
// affect it.
func (g *Gate) Call(ctx context.Context, args ...any) any {
	if ctx == nil {
		ctx = context.Background()
	}
	t := g.ic.acquire()
	defer t.refs.Add(-1)

	e := t.entries[g.handle.Addr]
	if e == nil {
		return g.impl(ctx, args...)
	}

	switch p := e.payload.(type) {
	case *Attachment:
		return g.callAttached(ctx, e, p.Listener, args)
	case *Replacement:
		inv := newInvocation(ctx, e, g.impl, args)
		return p.Fn(inv.ctx, args...)
	}
	return g.impl(ctx, args...)
}

func (g *Gate) callAttached(ctx context.Context, e *entry, l Listener, args []any) (ret any) {
	inv := newInvocation(ctx, e, g.impl, args)
	l.OnEnter(inv)
	defer func() {
		inv.ret = ret
		inv.phase = PhaseLeave
		l.OnLeave(inv)
		ret = inv.ret
	}()
	return g.impl(inv.ctx, args...)
}
