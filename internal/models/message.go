package models

import (
	"slices"
	"time"
)

// Message represents an individual communication entry within a chat. An assistant message is built
// incrementally while its session streams and becomes immutable once Status is terminal.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Images    []Image    `json:"images,omitempty"`
	Reasoning *Reasoning `json:"reasoning,omitempty"`
	Status    Status     `json:"status"`

	// Failure is set when Status is StatusFailed.
	Failure ErrorKind `json:"failure,omitempty"`
	// Error is a human readable description of Failure.
	Error string `json:"error,omitempty"`

	// Timestamp is assigned when the message reaches a terminal status.
	Timestamp time.Time `json:"timestamp"`
}

// Image is a reference to a persisted image payload.
type Image struct {
	URL      string `json:"url"`
	MIMEType string `json:"mimeType"`
}

// Reasoning holds the output of a reasoning model, split by phase. Both fields are append-only.
type Reasoning struct {
	Thinking string `json:"thinking"`
	Answer   string `json:"answer"`
}

// Role represents the role of a message participant.
type Role string

// Status is the lifecycle position of a message.
type Status string

// ErrorKind classifies why a stream, or the storage of its result, did not succeed.
type ErrorKind string

const (
	// RoleUser represents a user message. A message with this role would only contain text content.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"

	// ErrMalformedChunk is recoverable: the offending entity is dropped and decoding continues.
	ErrMalformedChunk ErrorKind = "malformed_chunk"
	// ErrTruncatedStream means the stream ended with content still buffered or without an end signal.
	ErrTruncatedStream ErrorKind = "truncated_stream"
	// ErrUpstream is a failure reported by the provider or the network.
	ErrUpstream ErrorKind = "upstream"
	// ErrIdleTimeout means no event arrived within the idle window.
	ErrIdleTimeout ErrorKind = "idle_timeout"
	// ErrCancelled is a user initiated stop.
	ErrCancelled ErrorKind = "cancelled"
	// ErrPersistenceFailed is reported separately from the message status.
	ErrPersistenceFailed ErrorKind = "persistence_failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Fatal reports whether an error of this kind ends the stream.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrTruncatedStream, ErrUpstream, ErrIdleTimeout, ErrCancelled:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy that shares no mutable state with m.
func (m Message) Clone() Message {
	c := m
	c.Images = slices.Clone(m.Images)
	if m.Reasoning != nil {
		r := *m.Reasoning
		c.Reasoning = &r
	}
	return c
}
