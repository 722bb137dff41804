package amqputil

import (
	"testing"
	"time"
)

func TestRetryWaitDuration(t *testing.T) {
	tests := []struct {
		retry    int
		min, max time.Duration
	}{
		{0, 250 * time.Millisecond, 750 * time.Millisecond},
		{1, 375 * time.Millisecond, 1125 * time.Millisecond},
		{12, 32 * time.Second, 98 * time.Second},
		{40, 32 * time.Second, 98 * time.Second},
	}
	for _, tt := range tests {
		for range 100 {
			got := RetryWaitDuration(tt.retry)
			if got < tt.min || got > tt.max {
				t.Fatalf("retry %d: got %v, want between %v and %v", tt.retry, got, tt.min, tt.max)
			}
		}
	}
}
