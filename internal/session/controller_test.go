package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/stretchr/testify/require"
)

const pngSignature = "iVBORw0KGgo="

type providerFunc func(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error]

func (f providerFunc) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return f(ctx, req)
}

func chunks(cs ...stream.Chunk) providerFunc {
	return func(context.Context, session.Request) iter.Seq2[stream.Chunk, error] {
		return func(yield func(stream.Chunk, error) bool) {
			for _, c := range cs {
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

// hanging yields cs, then blocks until the stream is cancelled.
func hanging(cs ...stream.Chunk) providerFunc {
	return func(ctx context.Context, _ session.Request) iter.Seq2[stream.Chunk, error] {
		return func(yield func(stream.Chunk, error) bool) {
			for _, c := range cs {
				if !yield(c, nil) {
					return
				}
			}
			<-ctx.Done()
		}
	}
}

func imageChunk(index int) stream.Chunk {
	return stream.Chunk{Index: index, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte(pngSignature), Final: true}
}

type mockStore struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte

	// failCollection makes every Put into the collection fail.
	failCollection string
	// gate, when set, blocks image writes until it is closed.
	gate    chan struct{}
	started chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{docs: make(map[string]map[string][]byte)}
}

func (m *mockStore) Put(_ context.Context, collection, id string, payload []byte) (string, error) {
	if collection == "images" && m.gate != nil {
		m.started <- struct{}{}
		<-m.gate
	}
	if collection == m.failCollection {
		return "", errors.New("disk full")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string][]byte)
	}
	m.docs[collection][id] = payload
	return id, nil
}

func (m *mockStore) count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}

func (m *mockStore) message(t *testing.T, chatID, id string) models.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, ok := m.docs[session.MessageCollection(chatID)][id]
	require.True(t, ok, "message %s should be stored", id)
	var msg models.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func newController(p session.Provider, store session.DocumentStore, cfg session.Config) *session.Controller {
	if cfg.Retention == 0 {
		cfg.Retention = -1
	}
	return session.NewController(p, store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitResult(t *testing.T, c *session.Controller, h session.Handle) session.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx, h)
	require.NoError(t, err)
	return res
}

// waitForContent subscribes and returns once a snapshot with the given content was seen.
func waitForContent(t *testing.T, c *session.Controller, h session.Handle, content string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshots, err := c.Subscribe(ctx, h)
	require.NoError(t, err)
	for m := range snapshots {
		if m.Content == content {
			return
		}
	}
	t.Fatalf("content %q never published", content)
}

func TestControllerCompletes(t *testing.T) {
	store := newMockStore()
	c := newController(chunks(
		stream.TextChunk(0, 0, "Hel"),
		imageChunk(1),
		stream.TextChunk(0, 2, "lo"),
		stream.EndChunk(),
	), store, session.Config{})

	h := c.Start(session.Request{ChatID: "c1", Model: "gemini-2.0-flash-exp"})
	res := waitResult(t, c, h)

	require.NoError(t, res.Err)
	require.Equal(t, models.StatusComplete, res.Message.Status)
	require.Equal(t, "Hello", res.Message.Content)
	require.Len(t, res.Message.Images, 1)
	require.True(t, strings.HasPrefix(res.Message.Images[0].URL, "/images/"))
	require.Equal(t, "image/png", res.Message.Images[0].MIMEType)
	require.False(t, res.Message.Timestamp.IsZero())
	require.Equal(t, res.Message.ID, res.CommittedID)

	stored := store.message(t, "c1", res.Message.ID)
	require.Equal(t, res.Message.Content, stored.Content)
	require.Equal(t, 1, store.count("images"))

	s, err := c.Session(h)
	require.NoError(t, err)
	require.Equal(t, session.StateFinished, s.State())
}

func TestControllerTruncated(t *testing.T) {
	store := newMockStore()
	c := newController(chunks(stream.TextChunk(0, 0, "A")), store, session.Config{})

	res := waitResult(t, c, c.Start(session.Request{ChatID: "c1"}))

	require.Equal(t, models.StatusFailed, res.Message.Status)
	require.Equal(t, models.ErrTruncatedStream, res.Message.Failure)
	require.Equal(t, "A", res.Message.Content)
	require.Empty(t, res.CommittedID)
	require.Equal(t, 0, store.count(session.MessageCollection("c1")))
}

func TestControllerCancel(t *testing.T) {
	c := newController(hanging(stream.TextChunk(0, 0, "A")), newMockStore(), session.Config{})

	h := c.Start(session.Request{ChatID: "c1"})
	waitForContent(t, c, h, "A")

	require.NoError(t, c.Cancel(h))
	res := waitResult(t, c, h)
	require.Equal(t, models.StatusFailed, res.Message.Status)
	require.Equal(t, models.ErrCancelled, res.Message.Failure)
	require.Equal(t, "A", res.Message.Content)

	require.ErrorIs(t, c.Cancel(h), session.ErrSessionFinished)

	_, err := c.Retry(h)
	require.ErrorIs(t, err, session.ErrRetryNotAllowed)

	s, err := c.Session(h)
	require.NoError(t, err)
	require.Equal(t, session.StateCancelled, s.State())
}

func TestControllerCancelNeverCompletes(t *testing.T) {
	for range 20 {
		c := newController(chunks(stream.TextChunk(0, 0, "A"), stream.EndChunk()), newMockStore(), session.Config{})
		h := c.Start(session.Request{ChatID: "c1"})

		err := c.Cancel(h)
		res := waitResult(t, c, h)
		if err == nil {
			require.Equal(t, models.StatusFailed, res.Message.Status)
			require.Equal(t, models.ErrCancelled, res.Message.Failure)
		} else {
			require.ErrorIs(t, err, session.ErrSessionFinished)
			require.Equal(t, models.StatusComplete, res.Message.Status)
		}
	}
}

func TestControllerRetry(t *testing.T) {
	var attempts atomic.Int32
	p := providerFunc(func(context.Context, session.Request) iter.Seq2[stream.Chunk, error] {
		n := attempts.Add(1)
		return func(yield func(stream.Chunk, error) bool) {
			if n == 1 {
				if !yield(stream.TextChunk(0, 0, "partial "), nil) {
					return
				}
				yield(stream.Chunk{}, errors.New("connection reset by peer"))
				return
			}
			if !yield(stream.TextChunk(0, 0, "fresh"), nil) {
				return
			}
			yield(stream.EndChunk(), nil)
		}
	})
	c := newController(p, newMockStore(), session.Config{})

	first := c.Start(session.Request{ChatID: "c1", Model: "m", Prompt: "hi"})
	failed := waitResult(t, c, first)
	require.Equal(t, models.ErrUpstream, failed.Message.Failure)
	require.Equal(t, "partial ", failed.Message.Content)

	second, err := c.Retry(first)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	res := waitResult(t, c, second)
	require.Equal(t, models.StatusComplete, res.Message.Status)
	require.Equal(t, "fresh", res.Message.Content)
	require.NotEqual(t, failed.Message.ID, res.Message.ID)

	s, err := c.Session(second)
	require.NoError(t, err)
	require.Equal(t, "hi", s.Request().Prompt)

	_, err = c.Retry(second)
	require.ErrorIs(t, err, session.ErrRetryNotAllowed)
}

func TestControllerRetryWhileRunning(t *testing.T) {
	c := newController(hanging(), newMockStore(), session.Config{})
	h := c.Start(session.Request{})

	_, err := c.Retry(h)
	require.ErrorIs(t, err, session.ErrRetryNotAllowed)
	require.NoError(t, c.Cancel(h))
}

func TestControllerSubscribersShareTerminalSnapshot(t *testing.T) {
	release := make(chan struct{})
	p := providerFunc(func(context.Context, session.Request) iter.Seq2[stream.Chunk, error] {
		return func(yield func(stream.Chunk, error) bool) {
			if !yield(stream.TextChunk(0, 0, "one "), nil) {
				return
			}
			<-release
			if !yield(stream.TextChunk(0, 1, "two"), nil) {
				return
			}
			yield(stream.EndChunk(), nil)
		}
	})
	c := newController(p, newMockStore(), session.Config{})
	h := c.Start(session.Request{ChatID: "c1"})

	collect := func(snapshots iter.Seq[models.Message], out chan<- []models.Message) {
		var got []models.Message
		for m := range snapshots {
			got = append(got, m)
		}
		out <- got
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	early, err := c.Subscribe(ctx, h)
	require.NoError(t, err)
	earlyOut := make(chan []models.Message, 1)
	go collect(early, earlyOut)

	waitForContent(t, c, h, "one ")

	late, err := c.Subscribe(ctx, h)
	require.NoError(t, err)
	lateOut := make(chan []models.Message, 1)
	go collect(late, lateOut)

	close(release)
	a, b := <-earlyOut, <-lateOut

	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	require.Equal(t, a[len(a)-1], b[len(b)-1])
	require.Equal(t, models.StatusComplete, a[len(a)-1].Status)
	require.Equal(t, "one two", a[len(a)-1].Content)

	after, err := c.Subscribe(ctx, h)
	require.NoError(t, err)
	var last []models.Message
	for m := range after {
		last = append(last, m)
	}
	require.Equal(t, []models.Message{a[len(a)-1]}, last)
}

func TestControllerSlowSubscriberCoalesces(t *testing.T) {
	cs := make([]stream.Chunk, 0, 101)
	for i := range 100 {
		cs = append(cs, stream.TextChunk(0, i, "x"))
	}
	cs = append(cs, stream.EndChunk())

	c := newController(chunks(cs...), newMockStore(), session.Config{})
	h := c.Start(session.Request{ChatID: "c1"})

	snapshots, err := c.Subscribe(context.Background(), h)
	require.NoError(t, err)
	waitResult(t, c, h)

	var got []models.Message
	for m := range snapshots {
		got = append(got, m)
	}
	require.Len(t, got, 1)
	require.Equal(t, models.StatusComplete, got[0].Status)
	require.Equal(t, strings.Repeat("x", 100), got[0].Content)
}

func TestControllerIdleTimeout(t *testing.T) {
	c := newController(hanging(stream.TextChunk(0, 0, "A")), newMockStore(), session.Config{
		IdleTimeout: 50 * time.Millisecond,
	})

	res := waitResult(t, c, c.Start(session.Request{ChatID: "c1"}))
	require.Equal(t, models.StatusFailed, res.Message.Status)
	require.Equal(t, models.ErrIdleTimeout, res.Message.Failure)
	require.Equal(t, "A", res.Message.Content)

	_, err := c.Retry(session.Handle(res.Message.ID))
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestControllerPersistenceFailed(t *testing.T) {
	store := newMockStore()
	store.failCollection = session.MessageCollection("c1")

	var notified atomic.Pointer[session.Notification]
	c := newController(chunks(stream.TextChunk(0, 0, "done"), stream.EndChunk()), store, session.Config{
		OnPersistenceFailed: func(n session.Notification) { notified.Store(&n) },
	})

	h := c.Start(session.Request{ChatID: "c1"})
	res := waitResult(t, c, h)

	require.Equal(t, models.StatusComplete, res.Message.Status)
	require.Equal(t, "done", res.Message.Content)
	require.ErrorIs(t, res.Err, session.ErrPersistenceFailed)
	require.Empty(t, res.CommittedID)

	n := notified.Load()
	require.NotNil(t, n)
	require.Equal(t, h, n.Handle)
	require.False(t, n.Image)
	require.ErrorIs(t, n.Err, session.ErrPersistenceFailed)
}

func TestControllerImagePersistenceFailed(t *testing.T) {
	store := newMockStore()
	store.failCollection = "images"

	var notified atomic.Int32
	c := newController(chunks(stream.TextChunk(0, 0, "see"), imageChunk(1), stream.EndChunk()), store, session.Config{
		OnPersistenceFailed: func(n session.Notification) {
			if n.Image {
				notified.Add(1)
			}
		},
	})

	res := waitResult(t, c, c.Start(session.Request{ChatID: "c1"}))
	require.NoError(t, res.Err)
	require.Equal(t, models.StatusComplete, res.Message.Status)
	require.Empty(t, res.Message.Images)
	require.Equal(t, int32(1), notified.Load())
}

func TestControllerCancelLetsInFlightImageFinish(t *testing.T) {
	store := newMockStore()
	store.gate = make(chan struct{})
	store.started = make(chan struct{}, 2)

	c := newController(hanging(imageChunk(0), imageChunk(1)), store, session.Config{})
	h := c.Start(session.Request{ChatID: "c1"})

	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatal("image write never started")
	}

	require.NoError(t, c.Cancel(h))
	res := waitResult(t, c, h)
	require.Equal(t, models.ErrCancelled, res.Message.Failure)
	require.Empty(t, res.Message.Images)

	close(store.gate)
	require.Eventually(t, func() bool { return store.count("images") == 1 }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, store.count("images"), "queued image must not be written after cancel")
	require.Len(t, store.started, 0)
}

func TestControllerUnknownSession(t *testing.T) {
	c := newController(chunks(), newMockStore(), session.Config{})

	_, err := c.Subscribe(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrUnknownSession)
	require.ErrorIs(t, c.Cancel("nope"), session.ErrUnknownSession)
	_, err = c.Retry("nope")
	require.ErrorIs(t, err, session.ErrUnknownSession)
	_, err = c.Wait(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestControllerRetention(t *testing.T) {
	c := newController(chunks(stream.EndChunk()), newMockStore(), session.Config{Retention: 20 * time.Millisecond})
	h := c.Start(session.Request{ChatID: "c1"})
	waitResult(t, c, h)

	require.Eventually(t, func() bool {
		_, err := c.Session(h)
		return errors.Is(err, session.ErrUnknownSession)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestControllerShutdown(t *testing.T) {
	c := newController(hanging(stream.TextChunk(0, 0, "A")), newMockStore(), session.Config{})
	h := c.Start(session.Request{ChatID: "c1"})
	waitForContent(t, c, h, "A")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	res := waitResult(t, c, h)
	require.Equal(t, models.ErrCancelled, res.Message.Failure)
}

func TestControllerStartAfterShutdown(t *testing.T) {
	var calls atomic.Int32
	p := providerFunc(func(context.Context, session.Request) iter.Seq2[stream.Chunk, error] {
		calls.Add(1)
		return chunks(stream.EndChunk())(context.Background(), session.Request{})
	})
	c := newController(p, newMockStore(), session.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	h := c.Start(session.Request{ChatID: "c1"})
	res := waitResult(t, c, h)
	require.Equal(t, models.StatusFailed, res.Message.Status)
	require.Equal(t, models.ErrCancelled, res.Message.Failure)
	require.Empty(t, res.CommittedID)
	require.Zero(t, calls.Load())

	_, err := c.Retry(h)
	require.ErrorIs(t, err, session.ErrRetryNotAllowed)
}

func TestControllerStartDuringShutdown(t *testing.T) {
	c := newController(hanging(), newMockStore(), session.Config{})

	var wg sync.WaitGroup
	handles := make(chan session.Handle, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles <- c.Start(session.Request{ChatID: "c1"})
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	wg.Wait()
	close(handles)

	// Every session, started before or after the shutdown began, ends cancelled.
	for h := range handles {
		res := waitResult(t, c, h)
		require.Equal(t, models.ErrCancelled, res.Message.Failure)
	}
}

func TestControllerConcurrentSessions(t *testing.T) {
	p := providerFunc(func(_ context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
		return func(yield func(stream.Chunk, error) bool) {
			for i, r := range req.Prompt {
				if !yield(stream.TextChunk(0, i, string(r)), nil) {
					return
				}
			}
			yield(stream.EndChunk(), nil)
		}
	})
	c := newController(p, newMockStore(), session.Config{})

	prompts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	handles := make([]session.Handle, len(prompts))
	for i, prompt := range prompts {
		handles[i] = c.Start(session.Request{ChatID: "c1", Prompt: prompt})
	}
	for i, h := range handles {
		require.Equal(t, prompts[i], waitResult(t, c, h).Message.Content)
	}
}
