package stream

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Payload is a backend payload that either parsed as JSON or is kept as the
// raw text it arrived as. Callers decide what a raw payload means for them.
type Payload struct {
	Raw    string
	Parsed gjson.Result
	valid  bool
}

// ParsePayload never fails: text that is not a JSON document yields a raw
// Payload.
func ParsePayload(raw string) Payload {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !gjson.Valid(trimmed) {
		return Payload{Raw: raw}
	}
	return Payload{Raw: raw, Parsed: gjson.Parse(trimmed), valid: true}
}

// IsJSON reports whether the payload parsed.
func (p Payload) IsJSON() bool {
	return p.valid
}

// extractor pulls a candidate text out of a parsed payload.
type extractor func(doc gjson.Result) (string, bool)

func field(path string) extractor {
	return func(doc gjson.Result) (string, bool) {
		return textOf(doc.Get(path))
	}
}

// textOf treats missing, null and empty-string values as absent. Anything
// other than a string is returned as its compact JSON encoding.
func textOf(v gjson.Result) (string, bool) {
	switch {
	case !v.Exists(), v.Type == gjson.Null:
		return "", false
	case v.Type == gjson.String:
		return v.Str, v.Str != ""
	default:
		return v.Get("@ugly").Raw, true
	}
}

var (
	streamExtractors = []extractor{
		field("value"),
		field("output"),
		field("answer"),
		field("choices.0.message.content"),
		field("choices.0.delta.content"),
	}

	finalExtractors = []extractor{
		field("value"),
		field("output"),
		field("answer"),
		field("choices.0.message.content"),
	}

	replyExtractors = append([]extractor{field("reply")}, streamExtractors...)
)

func firstOf(doc gjson.Result, chain []extractor) (string, bool) {
	for _, ex := range chain {
		if text, ok := ex(doc); ok {
			return text, true
		}
	}
	return "", false
}

// ExtractText applies the incremental field preference order: value,
// output, answer, choices[0].message.content, choices[0].delta.content.
// A raw payload comes back unchanged with ok == false.
func ExtractText(p Payload) (string, bool) {
	if !p.valid {
		return p.Raw, false
	}
	return firstOf(p.Parsed, streamExtractors)
}

// ExtractFinal is the end-of-stream recovery order. It stops at
// choices[0].message.content because a lone delta is never a final answer.
func ExtractFinal(p Payload) (string, bool) {
	if !p.valid {
		return "", false
	}
	return firstOf(p.Parsed, finalExtractors)
}

// ExtractReply is the single-shot policy. It prefers a "reply" field, then
// the incremental order, then the whole document, and finally the raw
// text when the body is not JSON at all.
func ExtractReply(raw string) string {
	p := ParsePayload(raw)
	if !p.valid {
		return raw
	}
	if text, ok := firstOf(p.Parsed, replyExtractors); ok {
		return text
	}
	if p.Parsed.Type == gjson.String {
		return p.Parsed.Str
	}
	return p.Parsed.Get("@ugly").Raw
}
