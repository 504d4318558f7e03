package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/services"
	"github.com/OmChillure/friday/internal/session"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type startResponse struct {
	ChatID    string `json:"chatId"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// SSE event types of the message stream.
var (
	chatsSSEType        = sse.Type("chats")
	messageSSEType      = sse.Type("message")
	persistenceSSEType  = sse.Type("persistence")
	closeMessageSSEType = sse.Type("closeMessage")
)

const (
	persistenceOK      = "ok"
	persistenceSkipped = "skipped"
)

// HandleChats accepts a user prompt through HTTP POST form data and starts a streaming session for
// the reply.
//
// The handler expects a "message" form field and optional "chat_id", "model", "reasoning", "images"
// and "search" fields. Without chat_id a new chat is created and its title is generated in the
// background. The user message is stored before the session starts; the reply is followed on
// /sse/messages with the returned session ID.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	reasoning, err := formBool(r, "reasoning")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	images, err := formBool(r, "images")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	search, err := formBool(r, "search")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chatID := r.FormValue("chat_id")
	isNewChat := false
	if chatID == "" {
		chatID, err = m.newChat(r.Context())
		if err != nil {
			m.logger.Error("Failed to create new chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewChat = true
	} else if _, err := m.store.Get(r.Context(), chatsCollection, chatID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	history, err := m.messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   msg,
		Status:    models.StatusComplete,
		Timestamp: time.Now(),
	}
	if err := m.putJSON(r.Context(), session.MessageCollection(chatID), um.ID, um); err != nil {
		m.logger.Error("Failed to add user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h := m.controller.Start(session.Request{
		ChatID:    chatID,
		Model:     r.FormValue("model"),
		Prompt:    msg,
		History:   history,
		Reasoning: reasoning,
		Images:    images,
		Search:    search,
	})
	am, err := m.controller.Snapshot(h)
	if err != nil {
		m.logger.Error("Failed to get session snapshot", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if isNewChat && m.titleGenerator != nil {
		go m.generateChatTitle(chatID, msg)
	}

	m.writeJSON(w, http.StatusOK, startResponse{
		ChatID:    chatID,
		SessionID: string(h),
		MessageID: am.ID,
	})
}

// HandleSSEMessages streams the snapshots of one session as "message" events carrying the message as
// JSON. After the terminal snapshot it sends one "persistence" event, "ok" when the message was
// committed, "skipped" when a failed message was not, and the failure otherwise, then closes with a
// "closeMessage" event.
func (m Main) HandleSSEMessages(w http.ResponseWriter, r *http.Request) {
	h := session.Handle(r.URL.Query().Get("session_id"))
	if h == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	snapshots, err := m.controller.Subscribe(r.Context(), h)
	if err != nil {
		m.sessionError(w, err)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	send := func(typ sse.EventType, data string) error {
		e := &sse.Message{Type: typ}
		e.AppendData(data)
		if err := sess.Send(e); err != nil {
			return err
		}
		return sess.Flush()
	}

	terminal := false
	for msg := range snapshots {
		data, err := json.Marshal(msg)
		if err != nil {
			m.logger.Error("Failed to marshal message", slog.String(errLoggerKey, err.Error()))
			return
		}
		if err := send(messageSSEType, string(data)); err != nil {
			m.logger.Debug("Subscriber gone", slog.String("session", string(h)), slog.String(errLoggerKey, err.Error()))
			return
		}
		terminal = msg.Status.Terminal()
	}
	if !terminal {
		return
	}

	res, err := m.controller.Wait(r.Context(), h)
	if err != nil {
		return
	}
	status := persistenceOK
	switch {
	case res.Err != nil:
		status = res.Err.Error()
	case res.Message.Status != models.StatusComplete:
		status = persistenceSkipped
	}
	if err := send(persistenceSSEType, status); err != nil {
		return
	}
	_ = send(closeMessageSSEType, "bye")
}

// HandleCancel cancels a running session. It answers 409 Conflict when the session already finished.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h := session.Handle(r.PathValue("id"))
	if err := m.controller.Cancel(h); err != nil {
		m.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRetry starts a new session for a failed one and returns its ID.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	h, err := m.controller.Retry(session.Handle(r.PathValue("id")))
	if err != nil {
		m.sessionError(w, err)
		return
	}
	m.writeJSON(w, http.StatusOK, sessionResponse{SessionID: string(h)})
}

func (m Main) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrSessionFinished), errors.Is(err, session.ErrRetryNotAllowed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		m.logger.Error("Session request failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) newChat(ctx context.Context) (string, error) {
	newChat := models.Chat{
		ID: uuid.New().String(),
	}
	if err := m.putJSON(ctx, chatsCollection, newChat.ID, newChat); err != nil {
		return "", fmt.Errorf("failed to add chat: %w", err)
	}

	if err := m.publishChats(ctx); err != nil {
		return "", err
	}
	return newChat.ID, nil
}

func (m Main) generateChatTitle(chatID string, message string) {
	ctx := context.Background()
	title, err := m.titleGenerator.GenerateTitle(ctx, message)
	if err != nil {
		m.logger.Error("Error generating chat title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	updatedChat := models.Chat{
		ID:    chatID,
		Title: title,
	}
	if err := m.putJSON(ctx, chatsCollection, chatID, updatedChat); err != nil {
		m.logger.Error("Failed to update chat title",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.publishChats(ctx); err != nil {
		m.logger.Error("Failed to publish chats",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishChats(ctx context.Context) error {
	chats, err := m.chats(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(chats)
	if err != nil {
		return fmt.Errorf("failed to marshal chats: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, chatsSSETopic); err != nil {
		return fmt.Errorf("failed to publish chats: %w", err)
	}
	return nil
}

func formBool(r *http.Request, key string) (bool, error) {
	v := r.FormValue(key)
	switch v {
	case "":
		return false, nil
	case "on":
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}
