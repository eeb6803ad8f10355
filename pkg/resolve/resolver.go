// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package resolve maps symbolic function names to runtime addresses in the
// loaded modules of a process.
//
// Three strategies are consulted for every name and their results are
// concatenated in strategy order, without cross-strategy deduplication:
// exact .symtab lookup, .dynsym export lookup and a heuristic prologue
// signature scan over executable memory.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultCacheSize = 256

var (
	// ErrResolutionEmpty means no strategy produced a candidate.
	ErrResolutionEmpty = errors.New("resolve: no candidate address")
	// ErrResolutionAmbiguous means more than one distinct candidate exists.
	ErrResolutionAmbiguous = errors.New("resolve: ambiguous candidates")
)

// Strategy identifies how a Handle was found.
type Strategy int

const (
	StrategySymbol Strategy = iota
	StrategyExport
	StrategySignature
	// StrategyDirect marks handles taken from a Go function value.
	StrategyDirect
)

func (s Strategy) String() string {
	switch s {
	case StrategySymbol:
		return "symbol"
	case StrategyExport:
		return "export"
	case StrategySignature:
		return "signature"
	case StrategyDirect:
		return "direct"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Handle is a resolved function address plus where it came from.
type Handle struct {
	Addr     uintptr
	Name     string
	Module   string
	Exported bool
	Strategy Strategy
}

// Valid reports whether the handle names a real address.
func (h Handle) Valid() bool { return h.Addr != 0 }

func (h Handle) String() string {
	if h.Module != "" {
		return fmt.Sprintf("%s!%s@0x%x(%s)", h.Module, h.Name, h.Addr, h.Strategy)
	}
	return fmt.Sprintf("%s@0x%x(%s)", h.Name, h.Addr, h.Strategy)
}

// AmbiguousError carries every distinct candidate of an ambiguous name.
type AmbiguousError struct {
	Name       string
	Candidates []Handle
}

func (e *AmbiguousError) Error() string {
	addrs := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		addrs[i] = fmt.Sprintf("0x%x(%s)", c.Addr, c.Strategy)
	}
	return fmt.Sprintf("%s: %q resolves to %s", ErrResolutionAmbiguous, e.Name, strings.Join(addrs, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrResolutionAmbiguous }

// Unique picks the single candidate of a resolution. Candidates that share
// an address collapse into the earliest one, so a function found both by
// .symtab and .dynsym is not ambiguous. Several distinct addresses are never
// reduced to one: the caller gets an *AmbiguousError.
func Unique(handles []Handle) (Handle, error) {
	var distinct []Handle
	seen := make(map[uintptr]bool)
	for _, h := range handles {
		if !h.Valid() || seen[h.Addr] {
			continue
		}
		seen[h.Addr] = true
		distinct = append(distinct, h)
	}
	switch len(distinct) {
	case 0:
		return Handle{}, ErrResolutionEmpty
	case 1:
		return distinct[0], nil
	}
	return Handle{}, &AmbiguousError{Name: distinct[0].Name, Candidates: distinct}
}

// HandleOf returns the handle of a Go function value. Non-function values
// yield an invalid handle.
func HandleOf(fn any) Handle {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return Handle{}
	}
	pc := v.Pointer()
	name := ""
	if f := runtime.FuncForPC(pc); f != nil {
		name = f.Name()
	}
	return Handle{Addr: pc, Name: name, Strategy: StrategyDirect}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMemory replaces the live process view.
func WithMemory(mem Memory) Option {
	return func(r *Resolver) { r.mem = mem }
}

// WithCacheSize bounds the number of parsed symbol tables kept.
func WithCacheSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.cacheSize = n
		}
	}
}

// Resolver resolves names against one process.
type Resolver struct {
	logger    *zap.Logger
	mem       Memory
	cacheSize int
	tables    *lru.Cache[string, *symbolTable]
	loads     singleflight.Group

	mu         sync.RWMutex
	signatures map[string]Signature
}

// New creates a resolver for process pid (0 is the calling process).
func New(pid int, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		logger:     logger,
		mem:        ProcMemory(pid),
		cacheSize:  defaultCacheSize,
		signatures: make(map[string]Signature),
	}
	for _, opt := range opts {
		opt(r)
	}
	tables, err := lru.New[string, *symbolTable](r.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create symbol cache: %w", err)
	}
	r.tables = tables
	return r, nil
}

// RegisterSignature makes name resolvable by prologue scan.
func (r *Resolver) RegisterSignature(name string, sig Signature) {
	r.mu.Lock()
	r.signatures[name] = sig
	r.mu.Unlock()
}

// Resolve returns every candidate address for name. Name may be qualified
// as "module!symbol" to restrict the symbol and export strategies to one
// module. An unknown name yields an empty slice and no error.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]Handle, error) {
	moduleSel, symbol := splitQualified(name)
	if symbol == "" {
		return nil, fmt.Errorf("resolve: empty symbol name")
	}

	mappings, err := r.mem.Mappings()
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	modules := groupModules(mappings)

	var bySymbol, byExport, bySignature []Handle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bySymbol, err = r.lookupTables(gctx, modules, moduleSel, symbol, StrategySymbol)
		return err
	})
	g.Go(func() error {
		var err error
		byExport, err = r.lookupTables(gctx, modules, moduleSel, symbol, StrategyExport)
		return err
	})
	g.Go(func() error {
		var err error
		bySignature, err = r.scanSignature(gctx, mappings, symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}

	out := make([]Handle, 0, len(bySymbol)+len(byExport)+len(bySignature))
	out = append(out, bySymbol...)
	out = append(out, byExport...)
	out = append(out, bySignature...)

	r.logger.Debug("resolved",
		zap.String("name", name),
		zap.Int("symbol", len(bySymbol)),
		zap.Int("export", len(byExport)),
		zap.Int("signature", len(bySignature)),
	)
	return out, nil
}

// ResolveUnique resolves name and requires exactly one distinct address.
func (r *Resolver) ResolveUnique(ctx context.Context, name string) (Handle, error) {
	handles, err := r.Resolve(ctx, name)
	if err != nil {
		return Handle{}, err
	}
	h, err := Unique(handles)
	if err != nil {
		return Handle{}, fmt.Errorf("resolve %s: %w", name, err)
	}
	return h, nil
}

// Symbolize names the function containing addr, or returns its hex form.
func (r *Resolver) Symbolize(ctx context.Context, addr uintptr) string {
	mappings, err := r.mem.Mappings()
	if err != nil {
		return fmt.Sprintf("0x%x", addr)
	}
	for _, m := range mappings {
		if !m.Contains(addr) || !m.FileBacked() {
			continue
		}
		t, err := r.table(ctx, m.File)
		if err != nil {
			break
		}
		value, ok := t.symbolValue(m, addr)
		if !ok {
			break
		}
		if sym, ok := findSymbol(t.sorted, value); ok {
			if off := value - sym.Value; off != 0 {
				return fmt.Sprintf("%s+0x%x", sym.Name, off)
			}
			return sym.Name
		}
		break
	}
	return fmt.Sprintf("0x%x", addr)
}

func splitQualified(name string) (module, symbol string) {
	if i := strings.LastIndexByte(name, '!'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func (r *Resolver) lookupTables(ctx context.Context, modules []module, sel, symbol string, strategy Strategy) ([]Handle, error) {
	var out []Handle
	for _, mod := range modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !mod.matches(sel) {
			continue
		}
		t, err := r.table(ctx, mod.path)
		if err != nil {
			// Unreadable modules (deleted files, other mount namespaces) are
			// simply not searchable.
			r.logger.Debug("skip module", zap.String("module", mod.path), zap.Error(err))
			continue
		}

		export, hasExport := t.dynsym[symbol]
		for _, sym := range t.lookup(symbol, strategy) {
			addr, ok := t.runtimeAddr(mod.mappings, sym.Value)
			if !ok {
				continue
			}
			out = append(out, Handle{
				Addr:     addr,
				Name:     symbol,
				Module:   mod.base(),
				Exported: hasExport && export.Value == sym.Value,
				Strategy: strategy,
			})
		}
	}
	return out, nil
}

func (r *Resolver) table(ctx context.Context, path string) (*symbolTable, error) {
	if t, ok := r.tables.Get(path); ok {
		return t, nil
	}
	ch := r.loads.DoChan(path, func() (any, error) {
		t, err := loadSymbolTable(path)
		if err != nil {
			return nil, err
		}
		r.tables.Add(path, t)
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*symbolTable), nil
	}
}

func (r *Resolver) scanSignature(ctx context.Context, mappings []Mapping, name string) ([]Handle, error) {
	r.mu.RLock()
	sig, ok := r.signatures[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	mode := decodeMode()
	var out []Handle
	for _, m := range mappings {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data := make([]byte, m.Size())
		n, err := r.mem.ReadAt(data, m.Start)
		if err != nil && n == 0 {
			r.logger.Debug("skip mapping", zap.String("file", m.File),
				zap.String("start", fmt.Sprintf("0x%x", m.Start)), zap.Error(err))
			continue
		}
		data = data[:n]
		for _, off := range sig.scan(data) {
			if !validInstructions(mode, data[off:], sig.Len()) {
				continue
			}
			out = append(out, Handle{
				Addr:     m.Start + uintptr(off),
				Name:     name,
				Module:   moduleName(m),
				Strategy: StrategySignature,
			})
		}
	}
	return out, nil
}

func moduleName(m Mapping) string {
	if !m.FileBacked() {
		return m.File
	}
	return module{path: m.File}.base()
}
