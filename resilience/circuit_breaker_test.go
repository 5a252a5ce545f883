package resilience

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var errBackend = errors.New("backend down")

func fail() error { return errBackend }
func pass() error { return nil }

type transitions struct {
	mu  sync.Mutex
	got []string
}

func (tr *transitions) record(_ string, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, fmt.Sprintf("%s->%s", from, to))
}

func newBreaker(mock *clock.Mock, tr *transitions) *CircuitBreaker {
	cfg := CircuitBreakerConfig{Name: "gcd", MaxFailures: 2, Timeout: time.Minute, Clock: mock}
	if tr != nil {
		cfg.OnStateChange = tr.record
	}
	return NewCircuitBreaker(cfg)
}

func TestCircuitBreaker_Cycle(t *testing.T) {
	mock := clock.NewMock()
	tr := &transitions{}
	cb := newBreaker(mock, tr)

	_ = cb.Execute(fail)
	_ = cb.Execute(pass) // success resets the count
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures opened the breaker")
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker let a call through: err=%v called=%v", err, called)
	}

	mock.Add(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}
	if err := cb.Execute(pass); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after a good probe, got %s", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if fmt.Sprint(tr.got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", tr.got, want)
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	mock := clock.NewMock()
	cb := newBreaker(mock, nil)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)

	mock.Add(time.Minute)
	if err := cb.Execute(fail); !errors.Is(err, errBackend) {
		t.Fatalf("probe should run, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open again, got %s", cb.State())
	}
	mock.Add(30 * time.Second)
	if cb.State() != StateOpen {
		t.Error("reopened breaker must wait a full timeout")
	}
}

func TestCircuitBreaker_HalfOpenAdmitsLimitedProbes(t *testing.T) {
	mock := clock.NewMock()
	cb := newBreaker(mock, nil)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	mock.Add(time.Minute)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	for !cb.busy() {
		time.Sleep(time.Millisecond)
	}
	if err := cb.Execute(pass); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe admitted: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func (cb *CircuitBreaker) busy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.probes > 0
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, notFound) },
	})
	if err := cb.Execute(func() error { return notFound }); !errors.Is(err, notFound) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("ignored error tripped the breaker")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newBreaker(clock.NewMock(), nil)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Error("reset must clear the failure count")
	}
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("gcd"))
	var wg sync.WaitGroup
	for range 64 {
		wg.Go(func() {
			_ = cb.Execute(pass)
			_ = cb.State()
		})
	}
	wg.Wait()
	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(7): "unknown"} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
