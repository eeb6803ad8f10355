// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/resolve"
)

type opKind int

const (
	opAttach opKind = iota
	opReplace
	opRevoke
	opRelease
)

func (k opKind) String() string {
	switch k {
	case opAttach:
		return "attach"
	case opReplace:
		return "replace"
	case opRelease:
		return "release"
	default:
		return "revoke"
	}
}

type op struct {
	kind    opKind
	target  resolve.Handle
	payload Payload
}

// Transaction is a batch of hook operations applied as one unit by End.
// Staging methods report argument errors immediately; any error, staged or
// found at commit, aborts the whole batch.
type Transaction struct {
	ic  *Interceptor
	ctx context.Context

	mu     sync.Mutex
	ops    []op
	errs   []error
	closed bool
}

// BeginTransaction starts a batch. ctx identifies the caller: if it carries
// an active invocation, revoking that invocation's hook is refused.
func (ic *Interceptor) BeginTransaction(ctx context.Context) *Transaction {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Transaction{ic: ic, ctx: ctx}
}

// Attach stages an attachment of l to handle.
func (tx *Transaction) Attach(handle resolve.Handle, l Listener, tag any) error {
	if l == nil {
		return tx.stage(op{kind: opAttach, target: handle}, fmt.Errorf("attach %s: nil listener", handle))
	}
	return tx.stage(op{kind: opAttach, target: handle, payload: &Attachment{Listener: l, Tag: tag}}, nil)
}

// Replace stages a replacement of handle by fn.
func (tx *Transaction) Replace(handle resolve.Handle, fn Func, data any) error {
	if fn == nil {
		return tx.stage(op{kind: opReplace, target: handle}, fmt.Errorf("replace %s: nil replacement", handle))
	}
	return tx.stage(op{kind: opReplace, target: handle, payload: &Replacement{Fn: fn, Data: data}}, nil)
}

// Revoke stages removal of the hook at handle.
func (tx *Transaction) Revoke(handle resolve.Handle) error {
	return tx.stage(op{kind: opRevoke, target: handle}, nil)
}

// Release stages removal of whatever hook is at handle when the batch
// commits. Unlike Revoke, an unhooked handle is not an error, so a batch of
// Release and Replace swaps a hook without reading the table first.
func (tx *Transaction) Release(handle resolve.Handle) error {
	return tx.stage(op{kind: opRelease, target: handle}, nil)
}

func (tx *Transaction) stage(o op, err error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	if err == nil {
		err = tx.ic.checkTarget(o)
	}
	if err != nil {
		tx.errs = append(tx.errs, err)
		return err
	}
	tx.ops = append(tx.ops, o)
	return nil
}

func (ic *Interceptor) checkTarget(o op) error {
	if !o.target.Valid() {
		return fmt.Errorf("%s %s: %w", o.kind, o.target.Name, ErrNullTarget)
	}
	if _, ok := ic.Lookup(o.target); !ok {
		return fmt.Errorf("%s %s: %w", o.kind, o.target, ErrUnknownTarget)
	}
	return nil
}

// Len returns the number of staged operations.
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.ops)
}

// End commits the batch. Either every staged operation takes effect in one
// atomic table swap, or none does and the returned error wraps
// ErrTransactionAborted together with every cause.
func (tx *Transaction) End() error {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return ErrTransactionClosed
	}
	tx.closed = true
	ops, staged := tx.ops, tx.errs
	tx.mu.Unlock()

	ic := tx.ic
	if len(staged) > 0 {
		return ic.abort(len(ops)+len(staged), staged)
	}
	if len(ops) == 0 {
		return nil
	}

	ic.commitMu.Lock()
	cur := ic.current.Load()
	next := cur.clone()
	var errs []error
	for _, o := range ops {
		addr := o.target.Addr
		switch o.kind {
		case opAttach, opReplace:
			if _, ok := next.entries[addr]; ok {
				errs = append(errs, fmt.Errorf("%s %s: %w", o.kind, o.target, ErrHookConflict))
				continue
			}
			next.entries[addr] = &entry{id: ic.nextID.Add(1), target: o.target, payload: o.payload}
		case opRevoke, opRelease:
			e, ok := next.entries[addr]
			if !ok {
				if o.kind == opRevoke {
					errs = append(errs, fmt.Errorf("revoke %s: %w", o.target, ErrNotHooked))
				}
				continue
			}
			if runningIn(tx.ctx, e.id) {
				errs = append(errs, fmt.Errorf("%s %s: %w", o.kind, o.target, ErrSelfRevoke))
				continue
			}
			delete(next.entries, addr)
		}
	}
	if len(errs) > 0 {
		ic.commitMu.Unlock()
		return ic.abort(len(ops), errs)
	}

	next.gen = cur.gen + 1
	ic.current.Store(next)
	ic.retire(cur)
	ic.commitMu.Unlock()

	ic.logger.Debug("hook transaction committed",
		zap.Uint64("generation", next.gen),
		zap.Int("ops", len(ops)),
		zap.Int("active", len(next.entries)),
	)
	// Observers run outside the commit lock and may begin transactions.
	ic.notify(CommitEvent{Generation: next.gen, Ops: len(ops), Active: len(next.entries)})
	return nil
}

func (ic *Interceptor) abort(ops int, errs []error) error {
	err := fmt.Errorf("%w: %w", ErrTransactionAborted, multierr.Combine(errs...))
	t := ic.current.Load()
	ic.logger.Warn("hook transaction aborted", zap.Int("ops", ops), zap.Error(err))
	ic.notify(CommitEvent{Generation: t.gen, Ops: ops, Active: len(t.entries), Err: err})
	return err
}

// runningIn reports whether ctx is inside an invocation of hook id.
func runningIn(ctx context.Context, id uint64) bool {
	for inv := CurrentInvocation(ctx); inv != nil; inv = inv.parent {
		if inv.hookID == id {
			return true
		}
	}
	return false
}
