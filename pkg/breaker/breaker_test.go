// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package breaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return New(threshold, 30*time.Second, WithClock(clk.now)), clk
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(5)
	if b.State() != Closed {
		t.Errorf("expected Closed, got %v", b.State())
	}
	if !b.Allow() {
		t.Error("expected Allow() to return true in Closed state")
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Errorf("expected Open after 3 failures, got %v", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow() to return false in Open state")
	}
}

func TestBreakerDoesNotOpenBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(5)
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Errorf("expected Closed with 4/5 failures, got %v", b.State())
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure()
	b.RecordFailure()

	clk.advance(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected HalfOpen after timeout, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected the probe to be admitted")
	}
	if b.Allow() {
		t.Error("expected a second caller to be rejected while probing")
	}
}

func TestBreakerProbeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{"success closes", true, Closed},
		{"failure reopens", false, Open},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clk := newTestBreaker(2)
			b.RecordFailure()
			b.RecordFailure()
			clk.advance(31 * time.Second)
			b.Allow()
			if tt.success {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
			if got := b.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakerDo(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")
	if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do() = %v, want boom", err)
	}
	called := false
	if err := b.Do(func() error { called = true; return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("Do() = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn ran while the circuit was open")
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := New(1, time.Second, WithClock(clk.now), OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))
	b.RecordFailure()
	clk.advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
