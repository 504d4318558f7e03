// Package session runs one streaming request per Session: it opens the provider stream, feeds the
// decoder and assembler, persists images and the finished message, and publishes message snapshots
// to any number of subscribers.
package session

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/stream"
)

// Provider opens the reply stream of a generative AI backend. The returned sequence ends when the
// backend ends the stream or ctx is cancelled.
type Provider interface {
	Stream(ctx context.Context, req Request) iter.Seq2[stream.Chunk, error]
}

// DocumentStore is the durable store for messages and image payloads. It must be safe for concurrent
// use; each Put is atomic for its single document.
type DocumentStore interface {
	Put(ctx context.Context, collection, id string, payload []byte) (string, error)
}

// Request holds everything needed to dispatch one prompt. The model is part of the request so
// sessions do not depend on process wide settings.
type Request struct {
	ChatID    string
	Model     string
	Prompt    string
	History   []models.Message
	Reasoning bool
	Images    bool
	// Search grounds the reply on web search results where the provider supports it.
	Search bool
}

// Handle identifies a session.
type Handle string

// State is the cancellation state of a session.
type State string

const (
	StateActive    State = "active"
	StateCancelled State = "cancelled"
	StateFinished  State = "finished"
)

// Errors returned by the Controller.
var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrRetryNotAllowed   = errors.New("retry is only allowed after a failure that is not a cancellation")
	ErrSessionFinished   = errors.New("session already finished")
	ErrPersistenceFailed = errors.New("persistence failed")
	ErrIdleTimeout       = errors.New("no event received within the idle window")
	ErrShutdown          = errors.New("controller is shutting down")
)

// Result is the outcome of a finished session. Err is non-nil, and wraps ErrPersistenceFailed, when
// the message was complete but could not be committed; the message itself still reads complete.
type Result struct {
	Message     models.Message
	CommittedID string
	Err         error
}

// Notification reports a persistence failure separately from the message status. Image is set when
// the failure concerns one image payload rather than the message commit.
type Notification struct {
	Handle    Handle
	MessageID string
	Image     bool
	Err       error
}

// Session is one request/response exchange. Its message is mutated only by the session's own
// goroutine; everyone else sees snapshots.
type Session struct {
	handle Handle
	req    Request

	hub *hub

	mu    sync.Mutex
	state State

	cancelReq chan chan error
	stopped   chan struct{}
	done      chan struct{}
	result    Result
}

func newSession(handle Handle, req Request, initial models.Message) *Session {
	s := &Session{
		handle:    handle,
		req:       req,
		hub:       newHub(),
		state:     StateActive,
		cancelReq: make(chan chan error),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.hub.publish(initial)
	return s
}

// Handle returns the session's handle.
func (s *Session) Handle() Handle {
	return s.handle
}

// Request returns the request the session was started with.
func (s *Session) Request() Request {
	return s.req
}

// State returns the cancellation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest published message.
func (s *Session) Snapshot() models.Message {
	m, _ := s.hub.latest()
	return m
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		s.state = state
	}
}

// cancel asks the session goroutine to cancel and waits for its answer, so a nil error guarantees
// the message ends as failed with reason cancelled.
func (s *Session) cancel() error {
	reply := make(chan error, 1)
	select {
	case s.cancelReq <- reply:
		return <-reply
	case <-s.stopped:
		return ErrSessionFinished
	}
}

func (s *Session) wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// hub holds the latest snapshot. Publishing replaces it and wakes every subscriber; a subscriber that
// is behind only sees the latest, so intermediate snapshots coalesce while the terminal one, which is
// never replaced, is always delivered.
type hub struct {
	mu      sync.Mutex
	current models.Message
	version uint64
	changed chan struct{}
}

func newHub() *hub {
	return &hub{changed: make(chan struct{})}
}

func (h *hub) publish(m models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.Status.Terminal() {
		return
	}
	h.current = m.Clone()
	h.version++
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *hub) latest() (models.Message, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.version
}

func (h *hub) subscribe(ctx context.Context) iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		var seen uint64
		for {
			h.mu.Lock()
			m, v, changed := h.current, h.version, h.changed
			h.mu.Unlock()

			if v > seen {
				seen = v
				if !yield(m) || m.Status.Terminal() {
					return
				}
				continue
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}
}
