// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package decision

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/gateway"
)

// wasmFieldOffset is where the extracted field is written in linear memory.
const wasmFieldOffset = 8

// Wasm runs a module exporting "memory" and "test_url(i32) i32". The field,
// cut to MaxFieldLen bytes, is written NUL-padded at offset 8 and
// test_url(8) returns the verdict.
type Wasm struct {
	logger *zap.Logger

	mu      sync.Mutex // module instances are not goroutine safe
	runtime wazero.Runtime
	mod     api.Module
	testURL api.Function
	memory  api.Memory
}

// NewWasm compiles and instantiates bin.
func NewWasm(ctx context.Context, bin []byte, logger *zap.Logger) (*Wasm, error) {
	r := wazero.NewRuntime(ctx)
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("decision"))
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}

	fn := mod.ExportedFunction("test_url")
	if fn == nil {
		r.Close(ctx)
		return nil, fmt.Errorf("wasm module does not export test_url")
	}
	def := fn.Definition()
	if len(def.ParamTypes()) != 1 || def.ParamTypes()[0] != api.ValueTypeI32 ||
		len(def.ResultTypes()) != 1 || def.ResultTypes()[0] != api.ValueTypeI32 {
		r.Close(ctx)
		return nil, fmt.Errorf("wasm test_url must have type (i32) -> i32")
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		r.Close(ctx)
		return nil, fmt.Errorf("wasm module does not export memory")
	}
	if mem.Size() < wasmFieldOffset+FieldBufferSize {
		r.Close(ctx)
		return nil, fmt.Errorf("wasm memory too small: %d bytes", mem.Size())
	}

	return &Wasm{logger: logger, runtime: r, mod: mod, testURL: fn, memory: mem}, nil
}

func (w *Wasm) Name() string { return "wasm" }

// Decide writes the field into linear memory and calls test_url.
func (w *Wasm) Decide(ctx context.Context, view *gateway.View, off int, extract gateway.ExtractFunc) (uint64, int) {
	buf := make([]byte, FieldBufferSize)
	extract(view.Field(off), buf[:MaxFieldLen])

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mod == nil {
		return 0, gateway.StatusUnavailable
	}

	if !w.memory.Write(wasmFieldOffset, buf) {
		return 0, gateway.StatusUnavailable
	}
	res, err := w.testURL.Call(ctx, wasmFieldOffset)
	if err != nil {
		w.logger.Warn("wasm test_url failed", zap.Error(err))
		return 0, gateway.StatusUnavailable
	}
	return uint64(api.DecodeU32(res[0])), 0
}

// Close tears the runtime down.
func (w *Wasm) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.runtime == nil {
		return nil
	}
	err := w.runtime.Close(ctx)
	w.runtime, w.mod = nil, nil
	return err
}
