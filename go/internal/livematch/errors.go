package livematch

import "fmt"

// NotFoundError reports a missing match, live-state document, or permanent
// record. Fatal to the operation; never retried automatically.
type NotFoundError struct {
	Kind string // "match", "live match", "match record"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// FrameNotFoundError reports a frame update addressed to a frame number the
// match does not have.
type FrameNotFoundError struct {
	MatchID     string
	FrameNumber int
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame %d not found in match %s", e.FrameNumber, e.MatchID)
}

// InvalidUpdateError reports a malformed or inconsistent state transition,
// such as decreasing an open frame's score or completing a frame without a
// winner.
type InvalidUpdateError struct {
	Reason string
}

func (e *InvalidUpdateError) Error() string {
	return "invalid update: " + e.Reason
}

// ConnectionLostError reports a failed subscription stream. Recoverable; the
// subscriber decides whether to resubscribe.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("live match subscription lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error   { return e.Err }
func (e *ConnectionLostError) Retryable() bool { return true }
