package build

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownState = errors.New("unknown state")

// State is the lifecycle stage of a build.
type State string

const (
	StateQueued    State = "queued"
	StateBundling  State = "bundling"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
)

var stateRanks = map[State]int{
	StateQueued:    0,
	StateBundling:  1,
	StateVerifying: 2,
	StateSuccess:   3,
	StateFailed:    3,
}

// StateFromString converts a string to a State and checks if it is a known
// canonical state. Legacy names are handled by NormalizeState.
func StateFromString(s string) (state State, known bool) {
	state = State(s)
	_, known = stateRanks[state]
	return state, known
}

func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed
}

// CanTransition reports whether a build may move from one state to another.
// Terminal states are final, failed is reachable from any other state and
// otherwise states never move backwards. Staying in a non-terminal state is
// allowed so progress can advance within it.
func CanTransition(from, to State) bool {
	fromRank, ok := stateRanks[from]
	if !ok {
		return false
	}
	toRank, ok := stateRanks[to]
	if !ok {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return toRank >= fromRank
}

var legacyStates = map[string]State{
	"queued":             StateQueued,
	"init":               StateQueued,
	"pending":            StateQueued,
	"analyze":            StateBundling,
	"build":              StateBundling,
	"bundle":             StateBundling,
	"bundling":           StateBundling,
	"verify":             StateVerifying,
	"verifying":          StateVerifying,
	"ai_scan":            StateVerifying,
	"llm_waiting":        StateVerifying,
	"llm_generating":     StateVerifying,
	"bundle_done":        StateVerifying,
	"publishing":         StateVerifying,
	"pending_review":     StateSuccess,
	"pending_review_llm": StateSuccess,
	"approved":           StateSuccess,
	"published":          StateSuccess,
	"success":            StateSuccess,
	"completed":          StateSuccess,
	"publish_failed":     StateFailed,
	"rejected":           StateFailed,
	"failed":             StateFailed,
	"error":              StateFailed,
}

// NormalizeState maps canonical and legacy state names to a State. Names it
// doesn't know are an error rather than a guess.
func NormalizeState(raw string) (State, error) {
	state, ok := legacyStates[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
	}
	return state, nil
}

// ErrorCategory classifies why a build failed.
type ErrorCategory string

const (
	CategoryNone       ErrorCategory = ""
	CategoryValidation ErrorCategory = "validation"
	CategoryResolution ErrorCategory = "resolution"
	CategoryCompile    ErrorCategory = "compile"
	CategoryStorage    ErrorCategory = "storage"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryCanceled   ErrorCategory = "canceled"
	CategoryInternal   ErrorCategory = "internal"
)

// SourceKind tells whether a build compiles a module or passes HTML through.
type SourceKind string

const (
	SourceTSX  SourceKind = "tsx"
	SourceHTML SourceKind = "html"
)
