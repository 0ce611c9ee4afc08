package stream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

const stepType = "system_intermediate"

// StepContent is the human-facing part of an intermediate step.
type StepContent struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// StepRecord is the canonical intermediate step sent to clients.
type StepRecord struct {
	ID                   string      `json:"id"`
	Status               string      `json:"status"`
	Error                string      `json:"error"`
	Type                 string      `json:"type"`
	ParentID             string      `json:"parent_id"`
	IntermediateParentID string      `json:"intermediate_parent_id"`
	Content              StepContent `json:"content"`
	TimeStamp            any         `json:"time_stamp"`
	Index                int         `json:"index"`
}

// StepEncoder turns raw telemetry payloads into wrapped StepRecords. Each
// stream owns exactly one encoder; its counter is never shared.
type StepEncoder struct {
	next int
}

// Encode parses raw and returns the marker-wrapped record. Unparseable
// telemetry is dropped (ok == false) and does not consume an index.
func (e *StepEncoder) Encode(raw string) ([]byte, bool) {
	p := ParsePayload(raw)
	if !p.IsJSON() || !p.Parsed.IsObject() {
		return nil, false
	}
	doc := p.Parsed

	rec := StepRecord{
		ID:                   stringOr(doc.Get("id"), ""),
		Status:               stringOr(doc.Get("status"), "in_progress"),
		Error:                stringOr(doc.Get("error"), ""),
		Type:                 stepType,
		ParentID:             stringOr(doc.Get("parent_id"), "default"),
		IntermediateParentID: stringOr(doc.Get("intermediate_parent_id"), "default"),
		Content: StepContent{
			Name:    stringOr(doc.Get("content.name"), "Step"),
			Payload: valueOr(doc.Get("content.payload"), "No details"),
		},
		TimeStamp: valueOr(doc.Get("time_stamp"), "default"),
		Index:     e.next,
	}

	// json.Marshal escapes '<' and '>', so a payload can never close the
	// marker early.
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, false
	}
	e.next++

	out := make([]byte, 0, len(StepStartTag)+len(body)+len(StepEndTag))
	out = append(out, StepStartTag...)
	out = append(out, body...)
	out = append(out, StepEndTag...)
	return out, true
}

// Count is the number of steps encoded so far, which is also the next index.
func (e *StepEncoder) Count() int {
	return e.next
}

func stringOr(v gjson.Result, def string) string {
	if text, ok := textOf(v); ok {
		return text
	}
	return def
}

func valueOr(v gjson.Result, def any) any {
	if _, ok := textOf(v); !ok {
		return def
	}
	return v.Value()
}
