// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func fixed(out Outcome, calls *int) Handler {
	return HandlerFunc(func(context.Context, *http.Request) Outcome {
		*calls++
		return out
	})
}

func TestRunStopsAtFirstNonContinue(t *testing.T) {
	p := New(zap.NewNop())
	var postRead, access, content int
	p.Register(PhasePostRead, fixed(Continue, &postRead))
	p.Register(PhaseAccess, fixed(Reject, &access))
	p.Register(PhaseContent, fixed(Continue, &content))

	out, phase := p.Run(context.Background(), httptest.NewRequest("GET", "/", nil))
	if out != Reject || phase != PhaseAccess {
		t.Errorf("Run = %v at %v, want reject at access", out, phase)
	}
	if postRead != 1 || access != 1 || content != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", postRead, access, content)
	}
}

func TestMiddlewareStatusCodes(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    int
	}{
		{Continue, http.StatusTeapot},
		{Reject, http.StatusForbidden},
		{InternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			p := New(zap.NewNop())
			var calls int
			p.Register(PhaseAccess, fixed(tt.outcome, &calls))

			content := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
			w := httptest.NewRecorder()
			p.Router(content).ServeHTTP(w, httptest.NewRequest("GET", "/any/path", nil))

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRegisterInvalidPhasePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid phase")
		}
	}()
	New(zap.NewNop()).Register(Phase(9), HandlerFunc(func(context.Context, *http.Request) Outcome { return Continue }))
}

func TestOutcomeStrings(t *testing.T) {
	if Continue.String() != "continue" || Reject.String() != "reject" || InternalError.String() != "internal_error" {
		t.Error("unexpected outcome names")
	}
	if PhaseAccess.String() != "access" {
		t.Errorf("PhaseAccess = %q", PhaseAccess.String())
	}
}
