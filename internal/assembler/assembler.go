// Package assembler folds decoded stream events into a single growing message.
//
// The Assembler performs no I/O. Image payloads are handed back to the caller as ImageJobs, and the
// caller reports the stored reference through ResolveImage or DropImage. Every change of the message
// is published, as an immutable snapshot, through the callback given to New.
package assembler

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/stream"
)

// State is the position of an Assembler in its lifecycle.
type State int

const (
	// Empty is the initial state, before the first event.
	Empty State = iota
	// Streaming accepts blocks. After the end event it keeps streaming until every queued image is
	// resolved or dropped.
	Streaming
	// Complete is terminal.
	Complete
	// Failed is terminal.
	Failed
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Streaming:
		return "streaming"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrCancelled is the failure description of a cancelled message.
var ErrCancelled = errors.New("cancelled by user")

// ImageJob asks the caller to persist one image payload. Slot identifies the position reserved for
// the image in the message.
type ImageJob struct {
	Slot int
	Part models.ImagePart
}

type imageSlot struct {
	image   models.Image
	settled bool
	stored  bool
}

// Assembler is the state machine that builds one message. It is not safe for concurrent use: the
// session that owns it is the only mutator.
type Assembler struct {
	candidate int
	now       func() time.Time
	publish   func(models.Message)
	logger    *slog.Logger

	base     models.Message
	state    State
	draining bool
	// dirty is set when the visible message changed since the last snapshot.
	dirty bool

	content  strings.Builder
	thinking strings.Builder
	answer   strings.Builder
	reasons  bool

	// next is the sequence expected next; held blocks are ahead of it and released sequences belong
	// to entities the decoder discarded.
	next     uint64
	held     map[uint64][]models.Block
	released map[uint64]struct{}

	slots       []imageSlot
	outstanding int

	failure models.ErrorKind
	errText string
	stamp   time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithCandidate selects which candidate of the reply is assembled. Defaults to 0.
func WithCandidate(candidate int) Option {
	return func(a *Assembler) {
		a.candidate = candidate
	}
}

// WithClock overrides the clock used for the finalization timestamp.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// New returns an Assembler for msg, whose ID and Role are kept. publish receives every snapshot and
// must not block for long; it is called on the goroutine that drives the Assembler.
func New(msg models.Message, publish func(models.Message), opts ...Option) *Assembler {
	a := &Assembler{
		now:      time.Now,
		publish:  publish,
		logger:   slog.Default(),
		base:     models.Message{ID: msg.ID, Role: msg.Role},
		held:     make(map[uint64][]models.Block),
		released: make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("module", "assembler"), slog.String("messageID", msg.ID))
	return a
}

// State returns the current state.
func (a *Assembler) State() State {
	return a.state
}

// Draining reports whether the end event was seen while images are still outstanding.
func (a *Assembler) Draining() bool {
	return a.draining
}

// Outstanding returns the number of queued images not yet resolved or dropped.
func (a *Assembler) Outstanding() int {
	return a.outstanding
}

// Apply folds one event into the message and returns the images it queued for persistence.
// Events after a terminal state, or after the end event, are ignored.
func (a *Assembler) Apply(ev stream.Event) []ImageJob {
	if a.terminal() || a.draining {
		return nil
	}
	if a.state == Empty {
		a.state = Streaming
		a.dirty = true
	}

	var jobs []ImageJob
	switch ev := ev.(type) {
	case stream.BlockEvent:
		if ev.Candidate != a.candidate {
			a.logger.Debug("Ignoring block of another candidate", slog.Int("candidate", ev.Candidate))
			break
		}
		jobs = a.offer(ev.Block)
	case stream.ErrorEvent:
		if ev.Err.Fatal() {
			a.Fail(ev.Err.Kind, ev.Err)
			return nil
		}
		a.logger.Warn("Discarded malformed entity",
			slog.Int("candidate", ev.Err.Candidate),
			slog.Int("index", ev.Err.Index),
			slog.String("err", ev.Err.Error()))
		if ev.Err.Candidate == a.candidate {
			jobs = a.release(ev.Err.Sequence)
		}
	case stream.EndEvent:
		jobs = a.flush()
		if a.outstanding > 0 {
			a.draining = true
			break
		}
		a.finish(Complete)
		return jobs
	}

	if a.dirty {
		a.emit()
	}
	return jobs
}

// ResolveImage records the stored reference of a queued image.
func (a *Assembler) ResolveImage(slot int, url string) {
	a.settle(slot, url, true)
}

// DropImage gives up on a queued image, for example because storing it failed.
func (a *Assembler) DropImage(slot int) {
	a.settle(slot, "", false)
}

// Fail moves the message to Failed with the given reason. Blocks held for ordering are applied first
// so the failed message keeps everything received. Images queued but not resolved are left out.
func (a *Assembler) Fail(kind models.ErrorKind, err error) {
	if a.terminal() {
		return
	}
	a.flush()
	a.failure = kind
	if err != nil {
		a.errText = err.Error()
	}
	a.finish(Failed)
}

// Cancel fails the message with reason Cancelled.
func (a *Assembler) Cancel() {
	a.Fail(models.ErrCancelled, ErrCancelled)
}

// Snapshot returns an immutable copy of the current message.
func (a *Assembler) Snapshot() models.Message {
	msg := a.base
	msg.Content = a.content.String()
	if a.reasons {
		msg.Reasoning = &models.Reasoning{Thinking: a.thinking.String(), Answer: a.answer.String()}
	}
	for _, s := range a.slots {
		if s.stored {
			msg.Images = append(msg.Images, s.image)
		}
	}

	switch a.state {
	case Empty:
		msg.Status = models.StatusPending
	case Streaming:
		msg.Status = models.StatusStreaming
	case Complete:
		msg.Status = models.StatusComplete
		msg.Timestamp = a.stamp
	case Failed:
		msg.Status = models.StatusFailed
		msg.Failure = a.failure
		msg.Error = a.errText
		msg.Timestamp = a.stamp
	}
	return msg
}

func (a *Assembler) terminal() bool {
	return a.state == Complete || a.state == Failed
}

func (a *Assembler) emit() {
	a.dirty = false
	if a.publish != nil {
		a.publish(a.Snapshot())
	}
}

func (a *Assembler) finish(s State) {
	a.state = s
	a.draining = false
	a.stamp = a.now()
	a.emit()
}

func (a *Assembler) settle(slot int, url string, stored bool) {
	if slot < 0 || slot >= len(a.slots) || a.slots[slot].settled {
		return
	}
	a.slots[slot].settled = true
	a.outstanding--
	if a.terminal() {
		return
	}
	a.slots[slot].stored = stored
	a.slots[slot].image.URL = url

	if a.draining && a.outstanding == 0 {
		a.finish(Complete)
		return
	}
	if stored {
		a.emit()
	}
}

// offer applies b if it is next in sequence, holds it if it is ahead, and applies it directly if
// its sequence was already passed.
func (a *Assembler) offer(b models.Block) []ImageJob {
	seq := b.Seq()
	switch {
	case seq < a.next:
		return a.apply(b)
	case seq > a.next:
		a.held[seq] = append(a.held[seq], b)
		return nil
	}
	jobs := a.apply(b)
	a.next++
	return append(jobs, a.advance()...)
}

func (a *Assembler) release(seq uint64) []ImageJob {
	switch {
	case seq < a.next:
		return nil
	case seq > a.next:
		a.released[seq] = struct{}{}
		return nil
	}
	a.next++
	return a.advance()
}

func (a *Assembler) advance() []ImageJob {
	var jobs []ImageJob
	for {
		if bs, ok := a.held[a.next]; ok {
			delete(a.held, a.next)
			for _, b := range bs {
				jobs = append(jobs, a.apply(b)...)
			}
			a.next++
			continue
		}
		if _, ok := a.released[a.next]; ok {
			delete(a.released, a.next)
			a.next++
			continue
		}
		return jobs
	}
}

// flush applies every held block in sequence order, skipping gaps.
func (a *Assembler) flush() []ImageJob {
	var jobs []ImageJob
	for _, seq := range slices.Sorted(maps.Keys(a.held)) {
		for _, b := range a.held[seq] {
			jobs = append(jobs, a.apply(b)...)
		}
		a.next = seq + 1
	}
	clear(a.held)
	clear(a.released)
	return jobs
}

func (a *Assembler) apply(b models.Block) []ImageJob {
	switch b := b.(type) {
	case models.TextDelta:
		if b.Text != "" {
			a.content.WriteString(b.Text)
			a.dirty = true
		}
	case models.ReasoningPart:
		a.reasons = true
		a.dirty = true
		switch b.Phase {
		case models.PhaseThinking:
			a.thinking.WriteString(b.Text)
		case models.PhaseAnswer:
			a.answer.WriteString(b.Text)
		default:
			a.logger.Warn("Unknown reasoning phase", slog.String("phase", string(b.Phase)))
		}
	case models.ImagePart:
		a.slots = append(a.slots, imageSlot{image: models.Image{MIMEType: b.MIMEType}})
		a.outstanding++
		return []ImageJob{{Slot: len(a.slots) - 1, Part: b}}
	}
	return nil
}
