package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out one chunk per Read and then err (io.EOF by default).
type chunkReader struct {
	chunks []string
	err    error
	reads  int
	closes int
}

func newChunkReader(chunks ...string) *chunkReader {
	return &chunkReader{chunks: chunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.reads++
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closes++
	return nil
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("client went away")
}

func run(t *testing.T, intermediate bool, chunks ...string) (string, Summary, *chunkReader) {
	t.Helper()
	body := newChunkReader(chunks...)
	var out bytes.Buffer
	summary, err := Normalize(context.Background(), body, &out, Options{IntermediateSteps: intermediate})
	require.NoError(t, err)
	return out.String(), summary, body
}

// splitSteps separates answer text from marker-wrapped steps, the same way
// the browser does.
func splitSteps(t *testing.T, out string) (string, []StepRecord) {
	t.Helper()
	var text strings.Builder
	var steps []StepRecord
	for {
		start := strings.Index(out, StepStartTag)
		if start < 0 {
			text.WriteString(out)
			break
		}
		end := strings.Index(out, StepEndTag)
		require.Greater(t, end, start)
		text.WriteString(out[:start])
		steps = append(steps, decodeStep(t, []byte(out[start:end+len(StepEndTag)])))
		out = out[end+len(StepEndTag):]
	}
	return text.String(), steps
}

const endToEndStream = "data: {\"value\":\"Hi\"}\n" +
	"intermediate_data: {\"id\":\"1\",\"name\":\"Searching\"}\n" +
	"data: [DONE]\n"

func TestNormalize_EndToEnd(t *testing.T) {
	out, summary, body := run(t, true,
		"data: {\"value\":\"Hi\"}\n",
		"intermediate_data: {\"id\":\"1\",\"name\":\"Searching\"}\n",
		"data: [DONE]\n",
	)

	require.True(t, strings.HasPrefix(out, "Hi"+StepStartTag), "got %q", out)
	text, steps := splitSteps(t, out)
	assert.Equal(t, "Hi", text)
	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0].Index)
	assert.Equal(t, "1", steps[0].ID)
	assert.Equal(t, "Step", steps[0].Content.Name)
	assert.Equal(t, "system_intermediate", steps[0].Type)

	assert.True(t, summary.Terminated)
	assert.True(t, summary.TextEmitted)
	assert.Equal(t, 1, summary.Steps)
	assert.Equal(t, 1, body.closes)
}

func TestNormalize_ChunkBoundaryIndependence(t *testing.T) {
	want, _, _ := run(t, true, endToEndStream)

	for size := 1; size < len(endToEndStream); size++ {
		var chunks []string
		for i := 0; i < len(endToEndStream); i += size {
			end := min(i+size, len(endToEndStream))
			chunks = append(chunks, endToEndStream[i:end])
		}
		got, _, body := run(t, true, chunks...)
		assert.Equal(t, want, got, "chunk size %d", size)
		assert.Equal(t, 1, body.closes, "chunk size %d", size)
	}
}

func TestNormalize_MalformedFrameResilience(t *testing.T) {
	out, summary, _ := run(t, true,
		"data: {\"value\":\"x\"}\n",
		"data: {not valid json\n",
		"data: {\"value\":\"y\"}\n",
	)
	assert.Equal(t, "xy", out)
	assert.Equal(t, 1, summary.Dropped)
	assert.False(t, summary.Recovered)
}

func TestNormalize_MalformedIntermediateDropped(t *testing.T) {
	out, summary, _ := run(t, true,
		"intermediate_data: {\"id\":\n",
		"intermediate_data: {\"id\":\"a\"}\n",
		"data: {\"answer\":\"done\"}\n",
	)
	text, steps := splitSteps(t, out)
	assert.Equal(t, "done", text)
	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0].Index, "dropped frame must not consume an index")
	assert.Equal(t, 1, summary.Dropped)
}

func TestNormalize_IndexSequencePerStream(t *testing.T) {
	var chunks []string
	for i := 0; i < 4; i++ {
		chunks = append(chunks, "intermediate_data: {\"id\":\"s\"}\n", "data: {\"value\":\".\"}\n")
	}
	out, _, _ := run(t, true, chunks...)
	text, steps := splitSteps(t, out)
	assert.Equal(t, "....", text)
	require.Len(t, steps, 4)
	for i, step := range steps {
		assert.Equal(t, i, step.Index)
	}

	// A second stream starts again at zero.
	out, _, _ = run(t, true, "intermediate_data: {}\n")
	_, steps = splitSteps(t, out)
	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0].Index)
}

func TestNormalize_InterleavingPreservesOrder(t *testing.T) {
	out, _, _ := run(t, true,
		"data: {\"value\":\"Q1\"}\nintermediate_data: {\"id\":\"1\"}\nda",
		"ta: {\"value\":\"Q2\"}\n<intermediatestep>{\"id\":\"pre\"}</intermediatestep>\n",
		"intermediate_data: {\"id\":\"2\"}\ndata: {\"value\":\"Q3\"}\n",
	)

	positions := []int{
		strings.Index(out, "Q1"),
		strings.Index(out, `"id":"1"`),
		strings.Index(out, "Q2"),
		strings.Index(out, `{"id":"pre"}`),
		strings.Index(out, `"id":"2"`),
		strings.Index(out, "Q3"),
	}
	for i, pos := range positions {
		require.GreaterOrEqual(t, pos, 0, "element %d missing from %q", i, out)
		if i > 0 {
			assert.Less(t, positions[i-1], pos, "element %d out of order in %q", i, out)
		}
	}
	assert.True(t, strings.HasPrefix(out, "Q1"+StepStartTag))
	assert.True(t, strings.HasSuffix(out, StepEndTag+"Q3"))

	text, steps := splitSteps(t, out)
	assert.Equal(t, "Q1Q2Q3", text)
	require.Len(t, steps, 3)
	assert.Equal(t, 0, steps[0].Index)
	assert.Equal(t, "pre", steps[1].ID)
	assert.Equal(t, 1, steps[2].Index)
}

func TestNormalize_IntermediateStepsDisabled(t *testing.T) {
	out, summary, _ := run(t, false,
		"data: {\"value\":\"a\"}\n",
		"intermediate_data: {\"id\":\"1\"}\n",
		"<intermediatestep>{\"id\":\"pre\"}</intermediatestep>\n",
		"data: {\"value\":\"b\"}\n",
	)
	assert.Equal(t, "ab", out)
	assert.Equal(t, 0, summary.Steps)
}

func TestNormalize_TaggedLineForwardedVerbatim(t *testing.T) {
	line := `<intermediatestep>{"id":"pre","index":7}</intermediatestep>`
	out, summary, _ := run(t, true, line+"\n")
	assert.Equal(t, line, out)
	assert.Equal(t, 1, summary.Steps)
}

func TestNormalize_FallbackRecovery(t *testing.T) {
	t.Run("recovers single json document", func(t *testing.T) {
		out, summary, _ := run(t, true, `{"answer":`, `"hello"}`)
		assert.Equal(t, "hello", out)
		assert.True(t, summary.Recovered)
	})

	t.Run("recovers pretty printed document and trims", func(t *testing.T) {
		out, _, _ := run(t, true, "{\n  \"output\": \"  spaced answer \\n\"\n}\n")
		assert.Equal(t, "spaced answer", out)
	})

	t.Run("recovers message content", func(t *testing.T) {
		out, _, _ := run(t, true, `{"choices":[{"message":{"content":"final"}}]}`)
		assert.Equal(t, "final", out)
	})

	t.Run("does not recover delta content", func(t *testing.T) {
		out, summary, _ := run(t, true, `{"choices":[{"delta":{"content":"partial"}}]}`)
		assert.Empty(t, out)
		assert.False(t, summary.Recovered)
	})

	t.Run("skipped when text was already emitted", func(t *testing.T) {
		out, summary, _ := run(t, true, "data: {\"value\":\"x\"}\n", `{"answer":"hello"}`)
		assert.Equal(t, "x", out)
		assert.False(t, summary.Recovered)
	})

	t.Run("unparseable stream emits nothing", func(t *testing.T) {
		out, summary, _ := run(t, true, "data: {broken\n", "trailing")
		assert.Empty(t, out)
		assert.False(t, summary.Recovered)
	})

	t.Run("not run after terminator", func(t *testing.T) {
		out, summary, _ := run(t, true, "data: [DONE]\n")
		assert.Empty(t, out)
		assert.True(t, summary.Terminated)
		assert.False(t, summary.Recovered)
	})
}

func TestNormalize_TerminatorStopsReading(t *testing.T) {
	body := newChunkReader(
		"data: {\"value\":\"a\"}\ndata: [DONE]\ndata: {\"value\":\"late\"}\n",
		"data: {\"value\":\"never read\"}\n",
	)
	n := New(Options{})
	var out bytes.Buffer
	summary, err := n.Run(context.Background(), body, &out)
	require.NoError(t, err)

	assert.Equal(t, "a", out.String())
	assert.True(t, summary.Terminated)
	assert.Len(t, body.chunks, 1, "reads must stop at the terminator")
	assert.Equal(t, Closed, n.State())
	assert.Equal(t, 1, body.closes)
}

func TestNormalize_MultiByteSplitAcrossChunks(t *testing.T) {
	full := "data: {\"value\":\"héllo 色\"}\n"
	idx := strings.Index(full, "é") + 1
	colorIdx := strings.Index(full, "色") + 2

	out, _, _ := run(t, true, full[:idx], full[idx:colorIdx], full[colorIdx:])
	assert.Equal(t, "héllo 色", out)
}

func TestNormalize_ResourceRelease(t *testing.T) {
	t.Run("natural end", func(t *testing.T) {
		_, _, body := run(t, true, "data: {\"value\":\"a\"}\n")
		assert.Equal(t, 1, body.closes)
	})

	t.Run("terminator", func(t *testing.T) {
		_, _, body := run(t, true, "data: [DONE]\n")
		assert.Equal(t, 1, body.closes)
	})

	t.Run("read error", func(t *testing.T) {
		boom := errors.New("connection reset")
		body := newChunkReader("data: {\"value\":\"a\"}\n")
		body.err = boom

		n := New(Options{})
		var out bytes.Buffer
		_, err := n.Run(context.Background(), body, &out)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, "a", out.String())
		assert.Equal(t, 1, body.closes)
		assert.Equal(t, Closed, n.State())
	})

	t.Run("write error", func(t *testing.T) {
		body := newChunkReader("data: {\"value\":\"a\"}\n", "data: {\"value\":\"b\"}\n")
		_, err := Normalize(context.Background(), body, failingWriter{}, Options{})
		require.Error(t, err)
		assert.Equal(t, 1, body.closes)
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		body := newChunkReader("data: {\"value\":\"a\"}\n")
		var out bytes.Buffer
		_, err := Normalize(ctx, body, &out, Options{})
		require.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, out.String())
		assert.Equal(t, 0, body.reads)
		assert.Equal(t, 1, body.closes)
	})
}

func TestNormalizer_RunOnce(t *testing.T) {
	n := New(Options{})
	_, err := n.Run(context.Background(), newChunkReader(), io.Discard)
	require.NoError(t, err)

	_, err = n.Run(context.Background(), newChunkReader(), io.Discard)
	assert.ErrorIs(t, err, errAlreadyRun)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reading", Reading.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "closed", Closed.String())
}
