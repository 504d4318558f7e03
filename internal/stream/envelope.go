package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/tmaxmax/go-sse"
)

// Envelope is the provider neutral JSON form of a Chunk, carried in the data field of a server-sent
// event. Inline data is the base64 text itself, so an image may span several envelopes.
type Envelope struct {
	Candidate int       `json:"candidate"`
	Index     int       `json:"index"`
	Kind      ChunkKind `json:"kind,omitempty"`
	MIMEType  string    `json:"mimeType,omitempty"`
	Data      string    `json:"data,omitempty"`
	Final     bool      `json:"final,omitempty"`
	End       bool      `json:"end,omitempty"`
}

// Chunk converts the envelope.
func (e Envelope) Chunk() Chunk {
	return Chunk{
		Candidate: e.Candidate,
		Index:     e.Index,
		Kind:      e.Kind,
		MIMEType:  e.MIMEType,
		Data:      []byte(e.Data),
		Final:     e.Final,
		End:       e.End,
	}
}

// NewEnvelope converts a chunk.
func NewEnvelope(c Chunk) Envelope {
	return Envelope{
		Candidate: c.Candidate,
		Index:     c.Index,
		Kind:      c.Kind,
		MIMEType:  c.MIMEType,
		Data:      string(c.Data),
		Final:     c.Final,
		End:       c.End,
	}
}

// ReadEnvelopes reads a server-sent event stream whose events carry envelopes. An event of type
// "error" carries the backend's error text and ends the stream. Events are framed by go-sse, so the
// way the body is split by the transport does not influence the chunks produced.
func ReadEnvelopes(r io.Reader) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for ev, err := range sse.Read(r, nil) {
			if err != nil {
				yield(Chunk{}, fmt.Errorf("error reading stream: %w", err))
				return
			}
			if ev.Type == "error" {
				yield(Chunk{}, errors.New(ev.Data))
				return
			}
			if ev.Data == "" {
				continue
			}

			var env Envelope
			if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
				yield(Chunk{}, fmt.Errorf("error unmarshaling envelope: %w", err))
				return
			}
			if !yield(env.Chunk(), nil) {
				return
			}
		}
	}
}
