// Package stream normalizes backend chat responses into the plain-text byte
// stream the browser consumes.
//
// A backend may answer with SSE-style "data:" frames, with
// "intermediate_data:" telemetry frames, with lines that already carry
// <intermediatestep> markers, or with one terminal JSON document. All of
// them are re-emitted in arrival order as answer text interleaved with
// marker-wrapped intermediate steps.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const readBufferSize = 32 * 1024

// State is the normalizer lifecycle.
type State int

const (
	Reading State = iota
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Draining:
		return "draining"
	default:
		return "closed"
	}
}

// Options configures one normalizer run.
type Options struct {
	// IntermediateSteps forwards telemetry frames when true and drops them
	// otherwise.
	IntermediateSteps bool
	Logger            *zerolog.Logger
}

// Summary describes what a finished run emitted.
type Summary struct {
	Lines       int
	DataFrames  int
	Steps       int
	Dropped     int
	TextEmitted bool
	Recovered   bool
	Terminated  bool
}

// Normalizer owns all per-stream state: the line buffer, the step counter
// and the fallback accumulator. Use one Normalizer per backend response.
type Normalizer struct {
	opts   Options
	logger *zerolog.Logger

	state   State
	lines   LineBuffer
	steps   StepEncoder
	acc     strings.Builder
	emitted bool
	summary Summary
}

// New returns a Normalizer ready to Run.
func New(opts Options) *Normalizer {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Normalizer{opts: opts, logger: logger, state: Reading}
}

// Normalize is shorthand for New(opts).Run(ctx, body, w).
func Normalize(ctx context.Context, body io.ReadCloser, w io.Writer, opts Options) (Summary, error) {
	return New(opts).Run(ctx, body, w)
}

// State reports where the normalizer is in its lifecycle.
func (n *Normalizer) State() State {
	return n.state
}

var errAlreadyRun = errors.New("stream: normalizer already ran")

// Run pulls body to completion and writes normalized chunks to w. body is
// closed exactly once before Run returns, whatever the exit path. A
// terminator frame or a clean end of body returns a nil error; read errors,
// write errors and context cancellation are returned as-is.
func (n *Normalizer) Run(ctx context.Context, body io.ReadCloser, w io.Writer) (Summary, error) {
	if n.state != Reading {
		return n.summary, errAlreadyRun
	}
	defer n.close(body)

	// The decoder keeps an incomplete multi-byte sequence until the next
	// read completes it.
	src := transform.NewReader(body, unicode.UTF8.NewDecoder())
	buf := make([]byte, readBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return n.summary, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			done, werr := n.consume(string(buf[:nr]), w)
			if werr != nil {
				return n.summary, fmt.Errorf("write normalized chunk: %w", werr)
			}
			if done {
				return n.summary, nil
			}
		}

		if errors.Is(err, io.EOF) {
			n.state = Draining
			if werr := n.drain(w); werr != nil {
				return n.summary, fmt.Errorf("write recovered answer: %w", werr)
			}
			return n.summary, nil
		}
		if err != nil {
			return n.summary, fmt.Errorf("read backend stream: %w", err)
		}
	}
}

// consume handles one decoded chunk and reports whether a terminator was seen.
func (n *Normalizer) consume(text string, w io.Writer) (bool, error) {
	if !n.emitted {
		n.acc.WriteString(text)
	}

	for _, line := range n.lines.Push(text) {
		n.summary.Lines++
		frame := Classify(line, n.opts.IntermediateSteps)

		switch frame.Kind {
		case Terminator:
			n.summary.Terminated = true
			if pending := n.lines.Pending(); pending != "" {
				n.logger.Debug().Int("pending_bytes", len(pending)).Msg("Discarding data after stream terminator")
			}
			return true, nil

		case DataEvent:
			n.summary.DataFrames++
			payload := ParsePayload(frame.Payload)
			if !payload.IsJSON() {
				n.summary.Dropped++
				n.logger.Debug().Str("payload_preview", preview(frame.Payload)).Msg("Dropping malformed data frame")
				continue
			}
			text, ok := ExtractText(payload)
			if !ok {
				continue
			}
			if _, err := io.WriteString(w, text); err != nil {
				return false, err
			}
			n.emitted = true
			n.summary.TextEmitted = true
			n.acc.Reset()

		case IntermediateEvent:
			if !n.opts.IntermediateSteps {
				continue
			}
			if frame.Tagged {
				if _, err := io.WriteString(w, frame.Payload); err != nil {
					return false, err
				}
				n.summary.Steps++
				continue
			}
			marker, ok := n.steps.Encode(frame.Payload)
			if !ok {
				n.summary.Dropped++
				n.logger.Debug().Str("payload_preview", preview(frame.Payload)).Msg("Dropping malformed intermediate frame")
				continue
			}
			if _, err := w.Write(marker); err != nil {
				return false, err
			}
			n.summary.Steps++
		}
	}
	return false, nil
}

// drain recovers a final answer from backends that send one JSON document
// instead of incremental frames. It only runs when nothing was emitted.
func (n *Normalizer) drain(w io.Writer) error {
	if n.emitted {
		return nil
	}
	text, ok := ExtractFinal(ParsePayload(n.acc.String()))
	if !ok {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if _, err := io.WriteString(w, text); err != nil {
		return err
	}
	n.emitted = true
	n.summary.TextEmitted = true
	n.summary.Recovered = true
	return nil
}

func (n *Normalizer) close(body io.Closer) {
	n.state = Closed
	n.acc.Reset()
	if err := body.Close(); err != nil {
		n.logger.Debug().Err(err).Msg("Error closing backend body")
	}
}

func preview(s string) string {
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}
