// Package build runs publish requests through the build job state machine.
package build

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrQueueDisabled     = errors.New("build queue disabled")
	ErrQueueUnavailable  = errors.New("build queue unavailable")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyDone       = errors.New("already done")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidCursor     = errors.New("invalid cursor")
)

type Build struct {
	ID            uuid.UUID
	State         State
	Progress      int
	Error         string
	ErrorCategory ErrorCategory
	ListingID     string
	SourceKind    SourceKind
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Event is the payload of a build's status stream.
type Event struct {
	BuildID   uuid.UUID `json:"buildId"`
	ListingID string    `json:"listingId,omitempty"`
	State     State     `json:"state"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
}

func (e *Event) Final() bool {
	return e.State.IsTerminal()
}

func (b *Build) Event() *Event {
	return &Event{
		BuildID:   b.ID,
		ListingID: b.ListingID,
		State:     b.State,
		Progress:  b.Progress,
		Error:     b.Error,
	}
}

// ArtifactsMissingError is returned for a build whose files are not, or no
// longer, in the artifact store.
type ArtifactsMissingError struct {
	Missing []string
}

func (e *ArtifactsMissingError) Error() string {
	return fmt.Sprintf("artifacts missing: %s", strings.Join(e.Missing, ", "))
}
