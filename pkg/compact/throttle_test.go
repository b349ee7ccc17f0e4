package compact

import (
	"context"
	"testing"
)

func TestNewThrottleNilForNonPositiveRate(t *testing.T) {
	if NewThrottle(0) != nil {
		t.Error("expected nil throttle for a zero rate")
	}
	if NewThrottle(-1) != nil {
		t.Error("expected nil throttle for a negative rate")
	}
}

func TestNilThrottleNeverBlocks(t *testing.T) {
	var th *Throttle
	if err := th.WaitN(context.Background(), 1_000_000); err != nil {
		t.Errorf("nil throttle should never error, got %v", err)
	}
}

func TestThrottleWaitNClampsToBurst(t *testing.T) {
	th := NewThrottle(10) // burst = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: any blocking wait must fail fast
	if err := th.WaitN(ctx, 100); err == nil {
		t.Error("expected an error waiting on an already-cancelled context for a request exceeding burst")
	}
}

func TestThrottleWaitNWithinBurstSucceeds(t *testing.T) {
	th := NewThrottle(1000)
	if err := th.WaitN(context.Background(), 10); err != nil {
		t.Errorf("expected a small request within burst to succeed immediately, got %v", err)
	}
}
