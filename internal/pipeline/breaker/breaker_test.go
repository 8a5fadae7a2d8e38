package breaker

import (
	"testing"
	"time"

	"github.com/auditpipe/auditpipe/internal/pipeline/config"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		ErrorRateThreshold:  0.5,
		MinRequestThreshold: 10,
		Timeout:             50 * time.Millisecond,
		Window:              time.Minute,
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
	}

	for _, tt := range tests {
		if tt.state.String() != tt.expected {
			t.Errorf("state %d: expected %s, got %s", tt.state, tt.expected, tt.state.String())
		}
	}
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("hot", testConfig())

	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
	if !b.CanExecute() {
		t.Error("closed breaker should allow execution")
	}
}

func TestBreaker_OpensOnFailureThreshold(t *testing.T) {
	b := New("hot", testConfig())

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("2 failures should not trip: got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("3 failures should trip: got %s", b.State())
	}
	if b.CanExecute() {
		t.Error("open breaker should deny execution")
	}
}

func TestBreaker_OpensOnErrorRate(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100 // Keep the count trigger out of the way.
	b := New("warm", cfg)

	// 5 failures / 9 requests: error rate over threshold but below
	// min_request_threshold, so the breaker must stay closed.
	for i := 0; i < 4; i++ {
		b.RecordSuccess(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("below min requests: expected closed, got %s", b.State())
	}

	// The 10th sample meets min_request_threshold with rate 0.5.
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("error rate 0.6 over 10 requests should trip: got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New("hot", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(60 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", b.State())
	}
	if !b.CanExecute() {
		t.Error("half-open breaker should allow trial calls")
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b := New("hot", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.RecordSuccess(time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should not close: got %s", b.State())
	}

	b.RecordSuccess(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", b.State())
	}
}

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	b := New("hot", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("failure while half-open should reopen: got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New("hot", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
	m := b.Metrics()
	if m.TotalRequests != 0 {
		t.Errorf("expected empty window after reset, got %d samples", m.TotalRequests)
	}
}

func TestBreaker_Metrics(t *testing.T) {
	b := New("cold", testConfig())

	b.RecordSuccess(10 * time.Millisecond)
	b.RecordSuccess(20 * time.Millisecond)
	b.RecordFailure()

	m := b.Metrics()
	if m.TotalRequests != 3 {
		t.Errorf("expected 3 requests, got %d", m.TotalRequests)
	}
	if m.SuccessRequests != 2 {
		t.Errorf("expected 2 successes, got %d", m.SuccessRequests)
	}
	if m.FailedRequests != 1 {
		t.Errorf("expected 1 failure, got %d", m.FailedRequests)
	}
	if m.ErrorRate < 0.3 || m.ErrorRate > 0.4 {
		t.Errorf("expected error rate ~0.33, got %f", m.ErrorRate)
	}
	if m.LatencyP50 <= 0 {
		t.Errorf("expected positive p50 latency, got %f", m.LatencyP50)
	}
}

func TestBreaker_WindowEviction(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 30 * time.Millisecond
	b := New("hot", cfg)

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	// Old failures evicted; this one is the only sample, so the count
	// trigger must not fire.
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("evicted failures should not count toward the threshold: got %s", b.State())
	}

	m := b.Metrics()
	if m.TotalRequests != 1 {
		t.Errorf("expected 1 sample after eviction, got %d", m.TotalRequests)
	}
}

func TestBreaker_ConcurrentStateReads(t *testing.T) {
	b := New("hot", testConfig())

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	// Many concurrent readers must observe a single transition.
	done := make(chan State, 10)
	for i := 0; i < 10; i++ {
		go func() {
			done <- b.State()
		}()
	}
	for i := 0; i < 10; i++ {
		if s := <-done; s != StateHalfOpen {
			t.Errorf("expected half-open, got %s", s)
		}
	}
}
