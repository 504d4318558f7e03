package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/services"
	"github.com/OmChillure/friday/internal/session"
)

// HandleListChats returns every chat as JSON, oldest first.
func (m Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, http.StatusOK, chats)
}

// HandleMessages returns the stored messages of a chat. Assistant messages appear once their
// session completed and committed them.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	if _, err := m.store.Get(r.Context(), chatsCollection, chatID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get chat", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages, err := m.messages(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, http.StatusOK, messages)
}

// HandleSSEChats streams chat list updates.
func (m Main) HandleSSEChats(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleImage serves a persisted image payload with its MIME type.
func (m Main) HandleImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payload, err := m.store.Get(r.Context(), m.imageCollection, id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "Image not found", http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to get image", slog.String("imageID", id), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var img models.StoredImage
	if err := json.Unmarshal(payload, &img); err != nil {
		m.logger.Error("Failed to unmarshal image", slog.String("imageID", id), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := img.Bytes()
	if err != nil {
		m.logger.Error("Failed to decode image", slog.String("imageID", id), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", img.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

func (m Main) chats(ctx context.Context) ([]models.Chat, error) {
	payloads, err := m.store.List(ctx, chatsCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}
	chats := make([]models.Chat, 0, len(payloads))
	for _, p := range payloads {
		var c models.Chat
		if err := json.Unmarshal(p, &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, nil
}

func (m Main) messages(ctx context.Context, chatID string) ([]models.Message, error) {
	payloads, err := m.store.List(ctx, session.MessageCollection(chatID))
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	messages := make([]models.Message, 0, len(payloads))
	for _, p := range payloads {
		var msg models.Message
		if err := json.Unmarshal(p, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (m Main) putJSON(ctx context.Context, collection, id string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", collection, err)
	}
	if _, err := m.store.Put(ctx, collection, id, payload); err != nil {
		return err
	}
	return nil
}

func (m Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}
