package handlers

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Controller runs the streaming sessions. It is implemented by session.Controller.
type Controller interface {
	Start(req session.Request) session.Handle
	Snapshot(h session.Handle) (models.Message, error)
	Subscribe(ctx context.Context, h session.Handle) (iter.Seq[models.Message], error)
	Cancel(h session.Handle) error
	Retry(h session.Handle) (session.Handle, error)
	Wait(ctx context.Context, h session.Handle) (session.Result, error)
}

// Store is the document store holding chats, messages and image payloads.
type Store interface {
	Put(ctx context.Context, collection, id string, payload []byte) (string, error)
	Get(ctx context.Context, collection, id string) ([]byte, error)
	List(ctx context.Context, collection string) ([][]byte, error)
}

// TitleGenerator names a chat after its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Main serves the chat API and the server-sent event streams the UI subscribes to.
type Main struct {
	sseSrv *sse.Server

	controller     Controller
	store          Store
	titleGenerator TitleGenerator

	imageCollection string

	logger *slog.Logger
}

const (
	chatsSSETopic   = "chats"
	chatsCollection = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance. titleGenerator may be nil, in which case chats keep an empty
// title. The SSE server broadcasts chat list updates to every client on the chats topic.
func NewMain(controller Controller, store Store, titleGenerator TitleGenerator, logger *slog.Logger) Main {
	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, chatsSSETopic},
				}, true
			},
		},
		controller:      controller,
		store:           store,
		titleGenerator:  titleGenerator,
		imageCollection: session.DefaultImageCollection,
		logger:          logger.With(slog.String("module", "main")),
	}
}

// WithImageCollection returns a copy of m that reads images from collection.
func (m Main) WithImageCollection(collection string) Main {
	m.imageCollection = collection
	return m
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// Data is required for the event to be dispatched by clients.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
