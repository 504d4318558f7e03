// Package stream decodes the chunked reply of a generative AI backend into fully reassembled
// events. Providers deliver Chunks that may split a logical unit (a text fragment, a base64 image)
// across any number of deliveries; Decode buffers per entity and only emits complete units.
package stream

// ChunkKind declares how the data of a chunk is encoded and what it carries.
type ChunkKind string

const (
	// KindText carries UTF-8 text of the reply.
	KindText ChunkKind = "text"
	// KindThought carries UTF-8 text of a reasoning model's thinking phase.
	KindThought ChunkKind = "thought"
	// KindAnswer carries UTF-8 text of a reasoning model's answer phase.
	KindAnswer ChunkKind = "answer"
	// KindInline carries standard base64 of a binary payload with a MIME type.
	KindInline ChunkKind = "inline"
)

// Chunk is one delivery from the provider. Candidate and Index identify the entity the data belongs
// to; the chunk with Final set closes that entity. A chunk with End set is the explicit
// end-of-stream signal and carries no data.
type Chunk struct {
	Candidate int
	Index     int
	Kind      ChunkKind
	MIMEType  string
	Data      []byte
	Final     bool
	End       bool
}

// TextChunk returns a single, self-contained text chunk.
func TextChunk(candidate, index int, text string) Chunk {
	return Chunk{Candidate: candidate, Index: index, Kind: KindText, Data: []byte(text), Final: true}
}

// EndChunk returns the end-of-stream signal.
func EndChunk() Chunk {
	return Chunk{End: true}
}

func (k ChunkKind) valid() bool {
	switch k {
	case KindText, KindThought, KindAnswer, KindInline:
		return true
	default:
		return false
	}
}
