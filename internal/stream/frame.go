package stream

import "strings"

const (
	dataPrefix         = "data: "
	intermediatePrefix = "intermediate_data: "
	doneSentinel       = "[DONE]"

	// StepStartTag and StepEndTag wrap an encoded intermediate step inside
	// the plain-text output stream.
	StepStartTag = "<intermediatestep>"
	StepEndTag   = "</intermediatestep>"
)

// FrameKind tags a classified line.
type FrameKind int

const (
	Ignorable FrameKind = iota
	DataEvent
	IntermediateEvent
	Terminator
)

func (k FrameKind) String() string {
	switch k {
	case DataEvent:
		return "data"
	case IntermediateEvent:
		return "intermediate"
	case Terminator:
		return "terminator"
	default:
		return "ignorable"
	}
}

// Frame is one classified line. Payload is the text after the protocol
// prefix, or the whole line for a Tagged intermediate block which is
// forwarded as-is.
type Frame struct {
	Kind    FrameKind
	Payload string
	Tagged  bool
}

// Classify inspects a complete line. Tagged inline blocks are only
// recognized when intermediate steps are enabled; otherwise they are
// ignorable like any other unknown line.
func Classify(line string, intermediateSteps bool) Frame {
	if payload, ok := strings.CutPrefix(line, dataPrefix); ok {
		if strings.TrimSpace(payload) == doneSentinel {
			return Frame{Kind: Terminator}
		}
		return Frame{Kind: DataEvent, Payload: payload}
	}
	if payload, ok := strings.CutPrefix(line, intermediatePrefix); ok {
		return Frame{Kind: IntermediateEvent, Payload: payload}
	}
	if intermediateSteps && strings.Contains(line, StepStartTag) && strings.Contains(line, StepEndTag) {
		return Frame{Kind: IntermediateEvent, Payload: line, Tagged: true}
	}
	return Frame{Kind: Ignorable}
}
