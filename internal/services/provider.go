package services

import (
	"context"
	"errors"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/session"
	"github.com/OmChillure/friday/internal/stream"
)

// LLMParameters are the optional sampling parameters shared by the providers. Nil fields are left to
// the provider's defaults.
type LLMParameters struct {
	Temperature      *float32       `yaml:"temperature"`
	TopP             *float32       `yaml:"topP"`
	TopK             *int           `yaml:"topK"`
	Stop             []string       `yaml:"stop"`
	PresencePenalty  *float32       `yaml:"presencePenalty"`
	FrequencyPenalty *float32       `yaml:"frequencyPenalty"`
	Seed             *int           `yaml:"seed"`
	LogitBias        map[string]int `yaml:"logitBias"`
	Logprobs         *bool          `yaml:"logprobs"`
	TopLogprobs      *int           `yaml:"topLogprobs"`
	MaxTokens        *int           `yaml:"maxTokens"`
	ThinkingBudget   *int           `yaml:"thinkingBudget"`
}

// DefaultSystemPrompt is used by providers configured without a system prompt.
const DefaultSystemPrompt = "You are Friday, an AI friend designed to chat, assist, and provide creative content " +
	"like poems, stories, and more."

// chatTurn is one role/text pair of the conversation, the common shape every provider maps from.
type chatTurn struct {
	role models.Role
	text string
}

// conversation flattens the history and the new prompt into turns. Assistant messages that were
// produced in reasoning mode contribute their answer.
func conversation(req session.Request) []chatTurn {
	turns := make([]chatTurn, 0, len(req.History)+1)
	for _, msg := range req.History {
		text := msg.Content
		if text == "" && msg.Reasoning != nil {
			text = msg.Reasoning.Answer
		}
		if text == "" {
			continue
		}
		turns = append(turns, chatTurn{role: msg.Role, text: text})
	}
	return append(turns, chatTurn{role: models.RoleUser, text: req.Prompt})
}

// answerKind is the chunk kind of plain reply text: the answer phase in reasoning mode, text
// otherwise.
func answerKind(req session.Request) stream.ChunkKind {
	if req.Reasoning {
		return stream.KindAnswer
	}
	return stream.KindText
}

// entities numbers the units of one candidate. Providers that stream deltas deliver every delta as
// its own complete entity, so text reaches subscribers as it arrives.
type entities struct {
	candidate int
	next      int
}

// text returns one complete entity of kind holding s.
func (e *entities) text(kind stream.ChunkKind, s string) stream.Chunk {
	return e.whole(stream.Chunk{Kind: kind, Data: []byte(s)})
}

// inline returns one complete inline entity of base64 data.
func (e *entities) inline(mimeType, data string) stream.Chunk {
	return e.whole(stream.Chunk{Kind: stream.KindInline, MIMEType: mimeType, Data: []byte(data)})
}

func (e *entities) whole(c stream.Chunk) stream.Chunk {
	c.Candidate = e.candidate
	c.Index = e.next
	c.Final = true
	e.next++
	return c
}

// canceled reports whether err only reflects the caller going away. Such errors end the sequence
// without being reported.
func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}
