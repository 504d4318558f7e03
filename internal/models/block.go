package models

// Block is one unit of assembled content. The concrete types are TextDelta, ImagePart and
// ReasoningPart; a type switch over them is exhaustive.
type Block interface {
	// Seq returns the position of the block within its stream.
	Seq() uint64

	block()
}

// Phase distinguishes the two halves of a reasoning model's reply.
type Phase string

const (
	// PhaseThinking is the model's visible chain of thought.
	PhaseThinking Phase = "thinking"
	// PhaseAnswer is the answer that follows the thinking phase.
	PhaseAnswer Phase = "answer"
)

// TextDelta is a fragment of the plain text reply.
type TextDelta struct {
	Text     string
	Sequence uint64
}

// ImagePart is a fully received inline image, still base64 encoded. It never leaves the assembler
// boundary; messages only carry the Image reference produced after persistence.
type ImagePart struct {
	MIMEType    string
	BytesBase64 string
	Sequence    uint64
}

// ReasoningPart is a fragment of either the thinking or the answer phase.
type ReasoningPart struct {
	Phase    Phase
	Text     string
	Sequence uint64
}

// Seq implements Block.
func (t TextDelta) Seq() uint64 { return t.Sequence }

// Seq implements Block.
func (i ImagePart) Seq() uint64 { return i.Sequence }

// Seq implements Block.
func (r ReasoningPart) Seq() uint64 { return r.Sequence }

func (TextDelta) block()     {}
func (ImagePart) block()     {}
func (ReasoningPart) block() {}
