package server

import "strings"

type Attachment struct {
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatMessage struct {
	Role        string       `json:"role,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type AdditionalProps struct {
	EnableIntermediateSteps *bool `json:"enableIntermediateSteps,omitempty"`
}

type ChatRequest struct {
	ChatCompletionURL string          `json:"chatCompletionURL,omitempty"`
	Messages          []ChatMessage   `json:"messages"`
	AdditionalProps   AdditionalProps `json:"additionalProps"`
}

// IntermediateSteps resolves enableIntermediateSteps against def.
func (r ChatRequest) IntermediateSteps(def bool) bool {
	if r.AdditionalProps.EnableIntermediateSteps == nil {
		return def
	}
	return *r.AdditionalProps.EnableIntermediateSteps
}

// ActiveTurn returns the last message.
func (r ChatRequest) ActiveTurn() (ChatMessage, bool) {
	if len(r.Messages) == 0 {
		return ChatMessage{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// BackendMessage flattens a turn into the single string the backend takes.
// Attachments follow the text, one per line.
func BackendMessage(m ChatMessage) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(m.Content))
	for _, a := range m.Attachments {
		line := formatAttachment(a)
		if line == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	return b.String()
}

func formatAttachment(a Attachment) string {
	body := strings.TrimSpace(a.URL)
	if body == "" {
		body = strings.TrimSpace(a.Content)
	}
	if body == "" {
		return ""
	}
	label := "attachment"
	if a.Type != "" {
		label = a.Type
	}
	if a.Name != "" {
		label += " " + a.Name
	}
	return "[" + label + "] " + body
}
