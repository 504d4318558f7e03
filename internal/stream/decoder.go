package stream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/OmChillure/friday/internal/models"
)

// Reasons attached to decoding errors.
var (
	ErrInvalidUTF8    = errors.New("text is not valid utf-8")
	ErrInvalidBase64  = errors.New("inline data is not valid base64")
	ErrKindChanged    = errors.New("entity changed kind or mime type")
	ErrUnknownKind    = errors.New("unknown chunk kind")
	ErrEmptyInline    = errors.New("inline entity closed without data")
	ErrMissingMIME    = errors.New("inline entity has no mime type")
	ErrNoEndSignal    = errors.New("stream closed without end signal")
	ErrEntitiesOpened = errors.New("stream ended with open entities")
)

type entityKey struct {
	candidate int
	index     int
}

type entity struct {
	kind     ChunkKind
	mimeType string
	seq      uint64
	buf      []byte

	// Inline data is validated per complete 4-byte quantum; checked is the validated prefix.
	checked int
	padded  bool
}

// Decoder reassembles chunks into events. It is not safe for concurrent use; one Decoder serves one
// stream.
type Decoder struct {
	open    map[entityKey]*entity
	discard map[entityKey]struct{}
	next    map[int]uint64
	done    bool
}

// NewDecoder returns a Decoder with no open entities.
func NewDecoder() *Decoder {
	return &Decoder{
		open:    make(map[entityKey]*entity),
		discard: make(map[entityKey]struct{}),
		next:    make(map[int]uint64),
	}
}

// Decode consumes chunks lazily and yields the events they produce. A source error is reported as a
// fatal Upstream error; exhausting the source without an end chunk is reported as TruncatedStream.
// Nothing is yielded after a fatal error or the end event.
func Decode(chunks iter.Seq2[Chunk, error]) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		d := NewDecoder()
		for c, err := range chunks {
			if err != nil {
				yield(ErrorEvent{Err: &Error{Kind: models.ErrUpstream, Err: err}})
				return
			}
			for _, ev := range d.Push(c) {
				if !yield(ev) {
					return
				}
			}
			if d.Done() {
				return
			}
		}
		for _, ev := range d.Close() {
			if !yield(ev) {
				return
			}
		}
	}
}

// Done reports whether the decoder emitted its final event.
func (d *Decoder) Done() bool {
	return d.done
}

// Push feeds one chunk and returns the events it completes, in order.
func (d *Decoder) Push(c Chunk) []Event {
	if d.done {
		return nil
	}

	if c.End {
		d.done = true
		if len(d.open) > 0 {
			return []Event{d.fatal(models.ErrTruncatedStream,
				fmt.Errorf("%w: %d still buffered", ErrEntitiesOpened, len(d.open)))}
		}
		return []Event{EndEvent{}}
	}

	key := entityKey{candidate: c.Candidate, index: c.Index}
	if _, ok := d.discard[key]; ok {
		if c.Final {
			delete(d.discard, key)
		}
		return nil
	}

	e, ok := d.open[key]
	if !ok {
		e = &entity{kind: c.Kind, mimeType: c.MIMEType, seq: d.next[c.Candidate]}
		d.next[c.Candidate]++
		d.open[key] = e
		if !c.Kind.valid() {
			return d.malformed(key, e, c.Final, fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind))
		}
	} else {
		if e.mimeType == "" {
			e.mimeType = c.MIMEType
		}
		if c.Kind != e.kind || (c.MIMEType != "" && c.MIMEType != e.mimeType) {
			return d.malformed(key, e, c.Final, ErrKindChanged)
		}
	}

	if e.kind == KindInline {
		if err := e.appendBase64(c.Data); err != nil {
			return d.malformed(key, e, c.Final, err)
		}
	} else {
		e.buf = append(e.buf, c.Data...)
	}

	if !c.Final {
		return nil
	}
	delete(d.open, key)

	block, err := e.block()
	if err != nil {
		return d.malformed(key, e, true, err)
	}
	return []Event{BlockEvent{Candidate: c.Candidate, Block: block}}
}

// Close ends the stream after the source is exhausted. It returns nothing if the end chunk was
// already seen.
func (d *Decoder) Close() []Event {
	if d.done {
		return nil
	}
	d.done = true
	if len(d.open) > 0 {
		return []Event{d.fatal(models.ErrTruncatedStream,
			fmt.Errorf("%w: %d still buffered", ErrNoEndSignal, len(d.open)))}
	}
	return []Event{d.fatal(models.ErrTruncatedStream, ErrNoEndSignal)}
}

func (d *Decoder) fatal(kind models.ErrorKind, err error) Event {
	return ErrorEvent{Err: &Error{Kind: kind, Err: err}}
}

// malformed discards the entity. Unless the offending chunk closed it, later fragments of the same
// entity are ignored until its final chunk.
func (d *Decoder) malformed(key entityKey, e *entity, closed bool, err error) []Event {
	delete(d.open, key)
	if !closed {
		d.discard[key] = struct{}{}
	}
	return []Event{ErrorEvent{Err: &Error{
		Kind:      models.ErrMalformedChunk,
		Candidate: key.candidate,
		Index:     key.index,
		Sequence:  e.seq,
		Err:       err,
	}}}
}

func (e *entity) appendBase64(data []byte) error {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if e.padded {
			return fmt.Errorf("%w: data after padding", ErrInvalidBase64)
		}
		e.buf = append(e.buf, b)
	}

	end := e.checked + (len(e.buf)-e.checked)/4*4
	if end == e.checked {
		return nil
	}
	dst := make([]byte, base64.StdEncoding.DecodedLen(end-e.checked))
	if _, err := base64.StdEncoding.Decode(dst, e.buf[e.checked:end]); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBase64, err)
	}
	e.checked = end
	e.padded = e.buf[end-1] == '='
	return nil
}

func (e *entity) block() (models.Block, error) {
	switch e.kind {
	case KindInline:
		if len(e.buf) == 0 {
			return nil, ErrEmptyInline
		}
		if e.checked != len(e.buf) {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidBase64, len(e.buf)-e.checked)
		}
		if e.mimeType == "" {
			return nil, ErrMissingMIME
		}
		return models.ImagePart{MIMEType: e.mimeType, BytesBase64: string(e.buf), Sequence: e.seq}, nil
	case KindText, KindThought, KindAnswer:
		if !utf8.Valid(e.buf) {
			return nil, ErrInvalidUTF8
		}
	}

	text := string(e.buf)
	switch e.kind {
	case KindThought:
		return models.ReasoningPart{Phase: models.PhaseThinking, Text: text, Sequence: e.seq}, nil
	case KindAnswer:
		return models.ReasoningPart{Phase: models.PhaseAnswer, Text: text, Sequence: e.seq}, nil
	default:
		return models.TextDelta{Text: text, Sequence: e.seq}, nil
	}
}
