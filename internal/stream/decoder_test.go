package stream_test

import (
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"slices"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/OmChillure/friday/internal/models"
	"github.com/OmChillure/friday/internal/stream"
	"github.com/stretchr/testify/require"
)

const pngSignature = "iVBORw0KGgo="

type unit struct {
	candidate int
	index     int
	kind      stream.ChunkKind
	mimeType  string
	data      string
}

func chunksOf(cs ...stream.Chunk) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		for _, c := range cs {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func failingAfter(err error, cs ...stream.Chunk) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		for _, c := range cs {
			if !yield(c, nil) {
				return
			}
		}
		yield(stream.Chunk{}, err)
	}
}

// splitUnits cuts every unit into a random number of fragments, keeping units in order.
func splitUnits(rng *rand.Rand, units []unit) []stream.Chunk {
	var cs []stream.Chunk
	for _, u := range units {
		data := []byte(u.data)
		var cuts []int
		for i := 1; i < len(data); i++ {
			if rng.Intn(3) == 0 {
				cuts = append(cuts, i)
			}
		}
		cuts = append(cuts, len(data))

		start := 0
		for i, cut := range cuts {
			c := stream.Chunk{
				Candidate: u.candidate,
				Index:     u.index,
				Kind:      u.kind,
				Data:      data[start:cut],
				Final:     i == len(cuts)-1,
			}
			if i == 0 {
				c.MIMEType = u.mimeType
			}
			cs = append(cs, c)
			start = cut
		}
	}
	return append(cs, stream.EndChunk())
}

func TestDecodeScenario(t *testing.T) {
	events := slices.Collect(stream.Decode(chunksOf(
		stream.TextChunk(0, 0, "Hel"),
		stream.Chunk{Index: 1, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte(pngSignature), Final: true},
		stream.TextChunk(0, 2, "lo"),
		stream.EndChunk(),
	)))

	require.Equal(t, []stream.Event{
		stream.BlockEvent{Block: models.TextDelta{Text: "Hel", Sequence: 0}},
		stream.BlockEvent{Block: models.ImagePart{MIMEType: "image/png", BytesBase64: pngSignature, Sequence: 1}},
		stream.BlockEvent{Block: models.TextDelta{Text: "lo", Sequence: 2}},
		stream.EndEvent{},
	}, events)
}

func TestDecodeChunkBoundaryIndependence(t *testing.T) {
	units := []unit{
		{index: 0, kind: stream.KindThought, data: "let me think about ünïcödé"},
		{index: 1, kind: stream.KindText, data: "Héllo, 世界 "},
		{index: 2, kind: stream.KindInline, mimeType: "image/png", data: pngSignature},
		{candidate: 1, index: 0, kind: stream.KindText, data: "other candidate"},
		{index: 3, kind: stream.KindAnswer, data: "the answer is 42"},
		{index: 4, kind: stream.KindInline, mimeType: "image/jpeg", data: "/9j/4AAQSkZJRgABAQ=="},
		{index: 5, kind: stream.KindText, data: "done 🎉"},
	}

	var whole []stream.Chunk
	for _, u := range units {
		whole = append(whole, stream.Chunk{
			Candidate: u.candidate,
			Index:     u.index,
			Kind:      u.kind,
			MIMEType:  u.mimeType,
			Data:      []byte(u.data),
			Final:     true,
		})
	}
	whole = append(whole, stream.EndChunk())

	want := slices.Collect(stream.Decode(chunksOf(whole...)))
	require.Len(t, want, len(units)+1)
	require.Equal(t, stream.EndEvent{}, want[len(want)-1])

	for seed := int64(1); seed <= 50; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			cs := splitUnits(rand.New(rand.NewSource(seed)), units)
			got := slices.Collect(stream.Decode(chunksOf(cs...)))
			require.Equal(t, want, got)
		})
	}
}

func TestDecodeSequencePerCandidate(t *testing.T) {
	events := slices.Collect(stream.Decode(chunksOf(
		stream.TextChunk(0, 0, "a"),
		stream.TextChunk(1, 0, "b"),
		stream.TextChunk(0, 1, "c"),
		stream.EndChunk(),
	)))

	require.Equal(t, []stream.Event{
		stream.BlockEvent{Candidate: 0, Block: models.TextDelta{Text: "a", Sequence: 0}},
		stream.BlockEvent{Candidate: 1, Block: models.TextDelta{Text: "b", Sequence: 0}},
		stream.BlockEvent{Candidate: 0, Block: models.TextDelta{Text: "c", Sequence: 1}},
		stream.EndEvent{},
	}, events)
}

func TestDecodeSequenceAssignedAtOpen(t *testing.T) {
	events := slices.Collect(stream.Decode(chunksOf(
		stream.Chunk{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iVBO")},
		stream.TextChunk(0, 1, "caption"),
		stream.Chunk{Index: 0, Kind: stream.KindInline, Data: []byte("Rw0KGgo="), Final: true},
		stream.EndChunk(),
	)))

	require.Equal(t, []stream.Event{
		stream.BlockEvent{Block: models.TextDelta{Text: "caption", Sequence: 1}},
		stream.BlockEvent{Block: models.ImagePart{MIMEType: "image/png", BytesBase64: pngSignature, Sequence: 0}},
		stream.EndEvent{},
	}, events)
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []stream.Chunk
		blocks  int
		wantErr error
	}{
		{
			name:    "No end signal",
			chunks:  []stream.Chunk{stream.TextChunk(0, 0, "A")},
			blocks:  1,
			wantErr: stream.ErrNoEndSignal,
		},
		{
			name: "Open entity at close",
			chunks: []stream.Chunk{
				stream.TextChunk(0, 0, "A"),
				{Index: 1, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iVBO")},
			},
			blocks:  1,
			wantErr: stream.ErrNoEndSignal,
		},
		{
			name: "Open entity at end",
			chunks: []stream.Chunk{
				{Index: 0, Kind: stream.KindText, Data: []byte("partial")},
				stream.EndChunk(),
			},
			wantErr: stream.ErrEntitiesOpened,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := slices.Collect(stream.Decode(chunksOf(tt.chunks...)))
			require.Len(t, events, tt.blocks+1)

			ev, ok := events[len(events)-1].(stream.ErrorEvent)
			require.True(t, ok, "last event should be an error, got %T", events[len(events)-1])
			require.Equal(t, models.ErrTruncatedStream, ev.Err.Kind)
			require.True(t, ev.Err.Fatal())
			require.ErrorIs(t, ev.Err, tt.wantErr)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	events := slices.Collect(stream.Decode(chunksOf(
		stream.Chunk{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iV!O")},
		stream.TextChunk(0, 1, "still here"),
		stream.Chunk{Index: 0, Kind: stream.KindInline, Data: []byte("Rw0KGgo="), Final: true},
		stream.Chunk{Index: 2, Kind: stream.KindText, Data: []byte{0xff, 0xfe}, Final: true},
		stream.EndChunk(),
	)))

	require.Len(t, events, 4)

	first, ok := events[0].(stream.ErrorEvent)
	require.True(t, ok)
	require.Equal(t, models.ErrMalformedChunk, first.Err.Kind)
	require.False(t, first.Err.Fatal())
	require.Equal(t, 0, first.Err.Index)
	require.Equal(t, uint64(0), first.Err.Sequence)
	require.ErrorIs(t, first.Err, stream.ErrInvalidBase64)

	require.Equal(t, stream.BlockEvent{Block: models.TextDelta{Text: "still here", Sequence: 1}}, events[1])

	second, ok := events[2].(stream.ErrorEvent)
	require.True(t, ok)
	require.Equal(t, 2, second.Err.Index)
	require.Equal(t, uint64(2), second.Err.Sequence)
	require.ErrorIs(t, second.Err, stream.ErrInvalidUTF8)

	require.Equal(t, stream.EndEvent{}, events[3])
}

func TestDecodeMalformedCases(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []stream.Chunk
		wantErr error
	}{
		{
			name: "Kind changed",
			chunks: []stream.Chunk{
				{Index: 0, Kind: stream.KindText, Data: []byte("a")},
				{Index: 0, Kind: stream.KindThought, Data: []byte("b"), Final: true},
			},
			wantErr: stream.ErrKindChanged,
		},
		{
			name: "Mime type changed",
			chunks: []stream.Chunk{
				{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iVBO")},
				{Index: 0, Kind: stream.KindInline, MIMEType: "image/gif", Data: []byte("Rw0KGgo="), Final: true},
			},
			wantErr: stream.ErrKindChanged,
		},
		{
			name:    "Unknown kind",
			chunks:  []stream.Chunk{{Index: 0, Kind: "audio", Data: []byte("a"), Final: true}},
			wantErr: stream.ErrUnknownKind,
		},
		{
			name:    "Incomplete quantum",
			chunks:  []stream.Chunk{{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iVBOR"), Final: true}},
			wantErr: stream.ErrInvalidBase64,
		},
		{
			name: "Data after padding",
			chunks: []stream.Chunk{
				{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte(pngSignature)},
				{Index: 0, Kind: stream.KindInline, Data: []byte("AAAA"), Final: true},
			},
			wantErr: stream.ErrInvalidBase64,
		},
		{
			name:    "Empty inline",
			chunks:  []stream.Chunk{{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Final: true}},
			wantErr: stream.ErrEmptyInline,
		},
		{
			name:    "Missing mime type",
			chunks:  []stream.Chunk{{Index: 0, Kind: stream.KindInline, Data: []byte(pngSignature), Final: true}},
			wantErr: stream.ErrMissingMIME,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := append(slices.Clone(tt.chunks), stream.EndChunk())
			events := slices.Collect(stream.Decode(chunksOf(cs...)))
			require.Len(t, events, 2)

			ev, ok := events[0].(stream.ErrorEvent)
			require.True(t, ok)
			require.Equal(t, models.ErrMalformedChunk, ev.Err.Kind)
			require.ErrorIs(t, ev.Err, tt.wantErr)
			require.Equal(t, stream.EndEvent{}, events[1])
		})
	}
}

func TestDecodeWhitespaceInBase64(t *testing.T) {
	events := slices.Collect(stream.Decode(chunksOf(
		stream.Chunk{Index: 0, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iVBO\r\nRw0K"), Final: false},
		stream.Chunk{Index: 0, Kind: stream.KindInline, Data: []byte(" Ggo=\n"), Final: true},
		stream.EndChunk(),
	)))

	require.Equal(t, stream.BlockEvent{Block: models.ImagePart{MIMEType: "image/png", BytesBase64: pngSignature}}, events[0])
}

func TestDecodeUpstreamError(t *testing.T) {
	boom := errors.New("connection reset")
	events := slices.Collect(stream.Decode(failingAfter(boom, stream.TextChunk(0, 0, "A"))))

	require.Len(t, events, 2)
	ev, ok := events[1].(stream.ErrorEvent)
	require.True(t, ok)
	require.Equal(t, models.ErrUpstream, ev.Err.Kind)
	require.ErrorIs(t, ev.Err, boom)
}

func TestDecodeNothingAfterEnd(t *testing.T) {
	events := slices.Collect(stream.Decode(chunksOf(
		stream.EndChunk(),
		stream.TextChunk(0, 0, "late"),
	)))
	require.Equal(t, []stream.Event{stream.EndEvent{}}, events)
}

func TestReadEnvelopes(t *testing.T) {
	body := strings.Join([]string{
		`data: {"index":0,"kind":"text","data":"Hel","final":true}`,
		``,
		`data: {"index":1,"kind":"inline","mimeType":"image/png","data":"iVBORw"}`,
		``,
		`data: {"index":1,"kind":"inline","data":"0KGgo=","final":true}`,
		``,
		`data: {"index":2,"kind":"text","data":"lo","final":true}`,
		``,
		`data: {"end":true}`,
		``,
		``,
	}, "\n")

	events := slices.Collect(stream.Decode(stream.ReadEnvelopes(iotest.OneByteReader(strings.NewReader(body)))))

	require.Equal(t, []stream.Event{
		stream.BlockEvent{Block: models.TextDelta{Text: "Hel", Sequence: 0}},
		stream.BlockEvent{Block: models.ImagePart{MIMEType: "image/png", BytesBase64: pngSignature, Sequence: 1}},
		stream.BlockEvent{Block: models.TextDelta{Text: "lo", Sequence: 2}},
		stream.EndEvent{},
	}, events)
}

func TestReadEnvelopesErrorEvent(t *testing.T) {
	body := "data: {\"index\":0,\"kind\":\"text\",\"data\":\"A\",\"final\":true}\n\nevent: error\ndata: quota exceeded\n\n"

	events := slices.Collect(stream.Decode(stream.ReadEnvelopes(strings.NewReader(body))))

	require.Len(t, events, 2)
	ev, ok := events[1].(stream.ErrorEvent)
	require.True(t, ok)
	require.Equal(t, models.ErrUpstream, ev.Err.Kind)
	require.Contains(t, ev.Err.Error(), "quota exceeded")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	c := stream.Chunk{Candidate: 1, Index: 3, Kind: stream.KindInline, MIMEType: "image/png", Data: []byte("iVBO"), Final: true}
	require.Equal(t, c, stream.NewEnvelope(c).Chunk())
}
