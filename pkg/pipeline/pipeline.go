// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package pipeline is the host request pipeline: handlers registered at
// fixed phases run before the content handler and may stop the request.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Phase is a point in request processing.
type Phase int

const (
	PhasePostRead Phase = iota
	PhaseAccess
	PhaseContent
	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhasePostRead:
		return "post_read"
	case PhaseAccess:
		return "access"
	case PhaseContent:
		return "content"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Outcome is what a phase handler decided.
type Outcome int

const (
	Continue Outcome = iota
	Reject
	InternalError
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Reject:
		return "reject"
	case InternalError:
		return "internal_error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// StatusCode maps a stopping outcome onto an HTTP status.
func (o Outcome) StatusCode() int {
	switch o {
	case Reject:
		return http.StatusForbidden
	case InternalError:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// Handler runs at one phase.
type Handler interface {
	Handle(ctx context.Context, r *http.Request) Outcome
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, r *http.Request) Outcome

func (f HandlerFunc) Handle(ctx context.Context, r *http.Request) Outcome { return f(ctx, r) }

type phases [numPhases][]Handler

// Pipeline holds the phase handlers. Registration copies the handler set so
// requests in flight never see a half-built list.
type Pipeline struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers atomic.Pointer[phases]
}

// New creates an empty pipeline.
func New(logger *zap.Logger) *Pipeline {
	p := &Pipeline{logger: logger}
	p.handlers.Store(&phases{})
	return p
}

// Register appends h to phase.
func (p *Pipeline) Register(phase Phase, h Handler) {
	if phase < 0 || phase >= numPhases {
		panic(fmt.Sprintf("pipeline: invalid phase %d", phase))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	next := *p.handlers.Load()
	next[phase] = append(append([]Handler(nil), next[phase]...), h)
	p.handlers.Store(&next)
}

// Run executes every phase in order and stops at the first handler that
// does not continue.
func (p *Pipeline) Run(ctx context.Context, r *http.Request) (Outcome, Phase) {
	hs := p.handlers.Load()
	for phase := PhasePostRead; phase < numPhases; phase++ {
		for _, h := range hs[phase] {
			if out := h.Handle(ctx, r); out != Continue {
				return out, phase
			}
		}
	}
	return Continue, numPhases
}

// Middleware runs the pipeline ahead of next. Stopped requests get the
// outcome's status code and never reach next.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, phase := p.Run(r.Context(), r)
		if out != Continue {
			p.logger.Debug("request stopped",
				zap.String("phase", phase.String()),
				zap.String("outcome", out.String()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			http.Error(w, http.StatusText(out.StatusCode()), out.StatusCode())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router returns a chi router that serves content behind the pipeline.
func (p *Pipeline) Router(content http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(p.Middleware)
	r.Handle("/*", content)
	return r
}
