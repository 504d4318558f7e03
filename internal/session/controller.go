package session

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/OmChillure/friday/internal/assembler"
	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/google/uuid"
)

// Config tunes a Controller. Zero values fall back to the defaults below.
type Config struct {
	// IdleTimeout fails a session that receives no event within the window.
	IdleTimeout time.Duration
	// Retention is how long a finished session stays available to Subscribe, Wait and Retry.
	// A negative value keeps finished sessions until Shutdown.
	Retention time.Duration
	// PersistTimeout bounds each write to the document store.
	PersistTimeout time.Duration

	ImageCollection string
	ImageURLPrefix  string

	// Candidate selects which candidate of the reply is assembled.
	Candidate int

	// OnPersistenceFailed is called, on the session goroutine, for every failed write.
	OnPersistenceFailed func(Notification)
}

const (
	defaultIdleTimeout    = 60 * time.Second
	defaultRetention      = 5 * time.Minute
	defaultPersistTimeout = 10 * time.Second
	defaultImageURLPrefix = "/images/"
)

// DefaultImageCollection is the collection image payloads are written to unless configured
// otherwise.
const DefaultImageCollection = "images"

const errLoggerKey = "err"

// MessageCollection is the collection holding the messages of a chat.
func MessageCollection(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// Controller owns every in-flight session. It is safe for concurrent use; sessions run
// independently of each other.
type Controller struct {
	provider Provider
	store    DocumentStore
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[Handle]*Session
	closed   bool

	base   *slog.Logger
	logger *slog.Logger
}

// NewController creates a Controller that streams from provider and persists into store.
func NewController(provider Provider, store DocumentStore, cfg Config, logger *slog.Logger) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.ImageCollection == "" {
		cfg.ImageCollection = DefaultImageCollection
	}
	if cfg.ImageURLPrefix == "" {
		cfg.ImageURLPrefix = defaultImageURLPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		provider: provider,
		store:    store,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[Handle]*Session),
		base:     logger,
		logger:   logger.With(slog.String("module", "session")),
	}
}

// Start dispatches req and returns immediately; the reply streams on its own goroutine. The message
// starts as pending with a fresh ID.
func (c *Controller) Start(req Request) Handle {
	h := Handle(uuid.New().String())
	msg := models.Message{
		ID:     uuid.New().String(),
		Role:   models.RoleAssistant,
		Status: models.StatusPending,
	}
	s := newSession(h, req, msg)

	c.mu.Lock()
	c.sessions[h] = s
	if c.closed {
		c.mu.Unlock()
		c.reject(s, msg)
		return h
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("Session started",
		slog.String("session", string(h)),
		slog.String("messageID", msg.ID),
		slog.String("model", req.Model))

	go func() {
		defer c.wg.Done()
		c.run(s, msg)
	}()
	return h
}

// reject finishes a session started after Shutdown without opening its stream. The message ends
// as failed with reason cancelled.
func (c *Controller) reject(s *Session, msg models.Message) {
	c.logger.Warn("Session rejected by shutdown", slog.String("session", string(s.handle)))

	a := assembler.New(msg, s.hub.publish, assembler.WithLogger(c.base))
	s.setState(StateCancelled)
	a.Fail(models.ErrCancelled, ErrShutdown)
	close(s.stopped)

	s.result = Result{Message: a.Snapshot()}
	close(s.done)
}

// Session returns the session behind h.
func (c *Controller) Session(h Handle) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	return s, nil
}

// Snapshot returns the latest message of the session behind h.
func (c *Controller) Snapshot(h Handle) (models.Message, error) {
	s, err := c.Session(h)
	if err != nil {
		return models.Message{}, err
	}
	return s.Snapshot(), nil
}

// Subscribe returns the snapshots of the session from the moment of the call: the latest snapshot
// first, then every later one, coalescing snapshots the consumer is too slow to take. The sequence
// ends after the terminal snapshot or when ctx is done.
func (c *Controller) Subscribe(ctx context.Context, h Handle) (iter.Seq[models.Message], error) {
	s, err := c.Session(h)
	if err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx), nil
}

// Cancel stops the session. The stream is closed, queued images are dropped and the message ends
// as failed with reason cancelled. It returns ErrSessionFinished if the session already ended.
func (c *Controller) Cancel(h Handle) error {
	s, err := c.Session(h)
	if err != nil {
		return err
	}
	return s.cancel()
}

// Retry starts a new session with the request of h, whose attempt must have failed for a reason
// other than cancellation. Nothing of the failed message is carried over.
func (c *Controller) Retry(h Handle) (Handle, error) {
	s, err := c.Session(h)
	if err != nil {
		return "", err
	}

	select {
	case <-s.stopped:
	default:
		return "", fmt.Errorf("%w: session is still running", ErrRetryNotAllowed)
	}

	m := s.Snapshot()
	if m.Status != models.StatusFailed || m.Failure == models.ErrCancelled {
		return "", fmt.Errorf("%w: status %s, failure %q", ErrRetryNotAllowed, m.Status, m.Failure)
	}
	return c.Start(s.req), nil
}

// Wait blocks until the session is finished, including the commit of its message.
func (c *Controller) Wait(ctx context.Context, h Handle) (Result, error) {
	s, err := c.Session(h)
	if err != nil {
		return Result{}, err
	}
	return s.wait(ctx)
}

// Shutdown cancels every active session and waits for them to finish or for ctx to be done.
// Sessions started afterwards fail at once.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) forget(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, h)
}

type imageResult struct {
	slot int
	url  string
	err  error
}

// run is the session's event loop and the only mutator of its message. It suspends on the next
// event, the next image write, the idle timer and cancellation.
func (c *Controller) run(s *Session, msg models.Message) {
	logger := c.logger.With(slog.String("session", string(s.handle)), slog.String("messageID", msg.ID))
	a := assembler.New(msg, s.hub.publish, assembler.WithCandidate(c.cfg.Candidate), assembler.WithLogger(c.base))

	streamCtx, cancelStream := context.WithCancel(c.ctx)
	defer cancelStream()

	events := make(chan stream.Event)
	go func() {
		defer close(events)
		for ev := range stream.Decode(c.provider.Stream(streamCtx, s.req)) {
			select {
			case events <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()
	idleC := idle.C

	// Images are written one at a time, in sequence order. The write in flight reports into a
	// buffered channel so it can finish even after the loop is gone.
	var queue []assembler.ImageJob
	inFlight := false
	results := make(chan imageResult, 1)
	startNext := func() {
		if inFlight || len(queue) == 0 {
			return
		}
		job := queue[0]
		queue = queue[1:]
		inFlight = true
		go func() {
			url, err := c.persistImage(job)
			results <- imageResult{slot: job.Slot, url: url, err: err}
		}()
	}

	cancelled := func(err error) {
		s.setState(StateCancelled)
		queue = nil
		cancelStream()
		a.Fail(models.ErrCancelled, err)
	}

	for a.State() != assembler.Complete && a.State() != assembler.Failed {
		select {
		case reply := <-s.cancelReq:
			logger.Info("Session cancelled")
			cancelled(assembler.ErrCancelled)
			reply <- nil

		case <-c.ctx.Done():
			logger.Info("Session cancelled by shutdown")
			cancelled(ErrShutdown)

		case ev, ok := <-events:
			// A shutdown also ends the provider stream; it wins over whatever the stream reported.
			if c.ctx.Err() != nil {
				logger.Info("Session cancelled by shutdown")
				cancelled(ErrShutdown)
				continue
			}
			if !ok {
				events = nil
				if !a.Draining() {
					a.Fail(models.ErrTruncatedStream, stream.ErrNoEndSignal)
				}
				continue
			}
			idle.Reset(c.cfg.IdleTimeout)

			for _, job := range a.Apply(ev) {
				queue = append(queue, job)
			}
			if a.Draining() {
				idleC = nil
			}
			startNext()

		case res := <-results:
			inFlight = false
			if res.err != nil {
				logger.Error("Failed to store image", slog.Int("slot", res.slot), slog.String(errLoggerKey, res.err.Error()))
				a.DropImage(res.slot)
				c.notify(Notification{Handle: s.handle, MessageID: msg.ID, Image: true, Err: res.err})
			} else {
				a.ResolveImage(res.slot, res.url)
			}
			startNext()

		case <-idleC:
			logger.Warn("Session idle timeout", slog.Duration("timeout", c.cfg.IdleTimeout))
			a.Fail(models.ErrIdleTimeout, ErrIdleTimeout)
		}
	}

	s.setState(StateFinished)
	close(s.stopped)
	cancelStream()

	final := a.Snapshot()
	result := Result{Message: final}
	if final.Status == models.StatusComplete {
		id, err := c.commit(s.req.ChatID, final)
		if err != nil {
			logger.Error("Failed to commit message", slog.String(errLoggerKey, err.Error()))
			result.Err = err
			c.notify(Notification{Handle: s.handle, MessageID: msg.ID, Err: err})
		}
		result.CommittedID = id
	} else {
		logger.Info("Session failed",
			slog.String("failure", string(final.Failure)),
			slog.String("error", final.Error))
	}

	s.result = result
	close(s.done)

	if c.cfg.Retention > 0 {
		time.AfterFunc(c.cfg.Retention, func() { c.forget(s.handle) })
	}
}

func (c *Controller) notify(n Notification) {
	if c.cfg.OnPersistenceFailed != nil {
		c.cfg.OnPersistenceFailed(n)
	}
}

// persistImage writes one image payload. It runs detached from the session so a write that already
// started is never cut off by cancellation.
func (c *Controller) persistImage(job assembler.ImageJob) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.PersistTimeout)
	defer cancel()

	doc := models.StoredImage{
		ID:       uuid.New().String(),
		MIMEType: job.Part.MIMEType,
		Data:     job.Part.BytesBase64,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal image: %w", ErrPersistenceFailed, err)
	}

	id, err := c.store.Put(ctx, c.cfg.ImageCollection, doc.ID, payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to put image: %w", ErrPersistenceFailed, err)
	}
	return c.cfg.ImageURLPrefix + id, nil
}

func (c *Controller) commit(chatID string, m models.Message) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.PersistTimeout)
	defer cancel()

	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal message: %w", ErrPersistenceFailed, err)
	}

	id, err := c.store.Put(ctx, MessageCollection(chatID), m.ID, payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to put message: %w", ErrPersistenceFailed, err)
	}
	return id, nil
}
