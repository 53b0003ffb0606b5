package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroupPrimarySuccess(t *testing.T) {
	g := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("secondary", "secondary")

	var called string
	err := g.Execute(func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroupFailsOverToSecondary(t *testing.T) {
	g := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("secondary", "secondary")

	var tried []string
	err := g.Execute(func(v string) error {
		tried = append(tried, v)
		if v == "primary" {
			return errBackend
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 2 || tried[0] != "primary" || tried[1] != "secondary" {
		t.Fatalf("tried = %v, want [primary secondary]", tried)
	}
}

func TestFallbackGroupAllFailed(t *testing.T) {
	g := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("secondary", "secondary")

	err := g.Execute(func(string) error { return errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	g := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
		},
	})
	g.AddFallback("secondary", "secondary")

	// Open the primary's breaker.
	if err := g.Execute(func(v string) error {
		if v == "primary" {
			return errBackend
		}
		return nil
	}); err != nil {
		t.Fatalf("warm-up call: %v", err)
	}

	var tried []string
	err := g.Execute(func(v string) error {
		tried = append(tried, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Fatalf("tried = %v, want [secondary] only", tried)
	}
}

func TestExecuteWithResultReturnsValue(t *testing.T) {
	g := NewFallbackGroup(2, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	g.AddFallback("secondary", 3)

	got, err := ExecuteWithResult(g, func(v int) (int, error) {
		if v == 2 {
			return 0, errBackend
		}
		return v * 10, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 30 {
		t.Fatalf("got = %d, want 30", got)
	}
}
