// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ServeContent is the content-phase entry point. Every Runtime binds a gate
// at its address, so trace listeners can observe served requests. Without
// an upstream it answers 200.
//
//go:noinline
func ServeContent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// serveContent is the content gate's implementation.
func (rt *Runtime) serveContent(ctx context.Context, args ...any) any {
	if len(args) != 2 {
		return nil
	}
	w, ok1 := args[0].(http.ResponseWriter)
	r, ok2 := args[1].(*http.Request)
	if !ok1 || !ok2 {
		return nil
	}
	if rt.upstream != nil {
		rt.upstream.ServeHTTP(w, r.WithContext(ctx))
		return nil
	}
	ServeContent(w, r)
	return nil
}

// Handler returns the host HTTP handler: the request pipeline, with the
// gateway at its access phase, in front of the content gate.
func (rt *Runtime) Handler() chi.Router {
	return rt.pipeline.Router(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.content.Call(r.Context(), w, r)
	}))
}
