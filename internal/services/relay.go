package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
)

// Relay forwards requests to a backend that already speaks the chunk envelope protocol: it answers
// a POST with a server-sent event stream whose events carry stream.Envelope values.
type Relay struct {
	url string

	client *http.Client

	logger *slog.Logger
}

type relayRequest struct {
	ChatID    string           `json:"chatId"`
	Model     string           `json:"model,omitempty"`
	Prompt    string           `json:"prompt"`
	History   []models.Message `json:"history,omitempty"`
	Reasoning bool             `json:"reasoning"`
	Images    bool             `json:"images"`
	Search    bool             `json:"search"`
}

// NewRelay creates a Relay posting to url.
func NewRelay(url string, logger *slog.Logger) Relay {
	return Relay{
		url:    url,
		client: &http.Client{},
		logger: logger.With(slog.String("module", "relay")),
	}
}

// Stream implements session.Provider.
func (r Relay) Stream(ctx context.Context, req session.Request) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		jsonBody, err := json.Marshal(relayRequest{
			ChatID:    req.ChatID,
			Model:     req.Model,
			Prompt:    req.Prompt,
			History:   req.History,
			Reasoning: req.Reasoning,
			Images:    req.Images,
			Search:    req.Search,
		})
		if err != nil {
			yield(stream.Chunk{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(stream.Chunk{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := r.client.Do(httpReq)
		if err != nil {
			if canceled(ctx, err) {
				return
			}
			yield(stream.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(stream.Chunk{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		r.logger.Debug("Relay stream opened", slog.String("chatID", req.ChatID))
		for c, err := range stream.ReadEnvelopes(resp.Body) {
			if err != nil && canceled(ctx, err) {
				return
			}
			if !yield(c, err) || err != nil {
				return
			}
		}
	}
}
