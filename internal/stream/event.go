package stream

import (
	"fmt"

	"github.com/OmChillure/friday/internal/models"
)

// Event is a decoded, fully reassembled unit. The concrete types are BlockEvent, ErrorEvent and
// EndEvent.
type Event interface {
	event()
}

// BlockEvent carries one content block of a candidate.
type BlockEvent struct {
	Candidate int
	Block     models.Block
}

// ErrorEvent reports a decoding or transport failure. Only fatal kinds end the stream.
type ErrorEvent struct {
	Err *Error
}

// EndEvent is emitted once the provider signalled the end of a stream that left nothing buffered.
type EndEvent struct{}

func (BlockEvent) event() {}
func (ErrorEvent) event() {}
func (EndEvent) event()   {}

// Error describes a failure of the stream. For entity scoped failures (MalformedChunk) Candidate,
// Index and Sequence identify the discarded entity.
type Error struct {
	Kind      models.ErrorKind
	Candidate int
	Index     int
	Sequence  uint64
	Err       error
}

func (e *Error) Error() string {
	if e.Kind == models.ErrMalformedChunk {
		return fmt.Sprintf("%s (candidate %d, index %d): %v", e.Kind, e.Candidate, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error ends the stream.
func (e *Error) Fatal() bool {
	return e.Kind.Fatal()
}
