package reliability

import (
	"errors"
	"io"
	"log"
	"testing"
	"time"
)

func TestRetryPolicyNextDelayExponential(t *testing.T) {
	p := DefaultRetryPolicy
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	}
	for attempt, want := range cases {
		if got := p.NextDelay(attempt); got != want {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRetryPolicyCapsAtMaxBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: 5 * time.Second}
	if got := p.NextDelay(10); got != 5*time.Second {
		t.Errorf("NextDelay(10) = %v, want capped 5s", got)
	}
}

func TestRetryManagerHandleNodeError(t *testing.T) {
	m := NewRetryManager(log.New(io.Discard, "", 0), RetryPolicy{MaxAttempts: 2, BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: time.Minute})

	if got := m.HandleNodeError("sess", "step", 1, errors.New("boom")); got != ActionRetry {
		t.Errorf("attempt 1 = %v, want retry", got)
	}
	if got := m.HandleNodeError("sess", "step", 2, errors.New("boom")); got != ActionDeadLetter {
		t.Errorf("attempt 2 = %v, want dead_letter", got)
	}
}
