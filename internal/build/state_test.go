package build

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateQueued, StateBundling, true},
		{StateQueued, StateQueued, true},
		{StateBundling, StateBundling, true},
		{StateBundling, StateVerifying, true},
		{StateVerifying, StateSuccess, true},
		{StateQueued, StateSuccess, true},
		{StateQueued, StateFailed, true},
		{StateVerifying, StateFailed, true},
		{StateVerifying, StateBundling, false},
		{StateBundling, StateQueued, false},
		{StateSuccess, StateFailed, false},
		{StateSuccess, StateSuccess, false},
		{StateFailed, StateQueued, false},
		{StateFailed, StateFailed, false},
		{State("pending"), StateBundling, false},
		{StateQueued, State("published"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		raw  string
		want State
	}{
		{"queued", StateQueued},
		{"init", StateQueued},
		{"pending", StateQueued},
		{"analyze", StateBundling},
		{"build", StateBundling},
		{"bundle", StateBundling},
		{"verify", StateVerifying},
		{"ai_scan", StateVerifying},
		{"llm_waiting", StateVerifying},
		{"llm_generating", StateVerifying},
		{"bundle_done", StateVerifying},
		{"publishing", StateVerifying},
		{"pending_review", StateSuccess},
		{"pending_review_llm", StateSuccess},
		{"approved", StateSuccess},
		{"published", StateSuccess},
		{"completed", StateSuccess},
		{"publish_failed", StateFailed},
		{"rejected", StateFailed},
		{"error", StateFailed},
		{"  Success ", StateSuccess},
		{"FAILED", StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeState(tt.raw)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeStateUnknown(t *testing.T) {
	for _, raw := range []string{"", "done", "running", "success!"} {
		_, err := NormalizeState(raw)
		if !errors.Is(err, ErrUnknownState) {
			t.Fatalf("%q: got %v, want %v", raw, err, ErrUnknownState)
		}
	}
}

func TestNormalizeStateCanonical(t *testing.T) {
	for state := range stateRanks {
		got, err := NormalizeState(string(state))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got != state {
			t.Fatalf("got %q, want %q", got, state)
		}
	}
}
