package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endToEndBackend = "data: {\"value\":\"Hi\"}\n" +
	"intermediate_data: {\"id\":\"1\",\"name\":\"Searching\"}\n" +
	"data: [DONE]\n"

// backend records what the proxy sent and answers with respond.
type backend struct {
	*httptest.Server
	calls atomic.Int32

	mu      sync.Mutex
	body    map[string]any
	headers http.Header
}

func newBackend(t *testing.T, respond http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		b.mu.Lock()
		b.body = m
		b.headers = r.Header.Clone()
		b.mu.Unlock()
		respond(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) received() (map[string]any, http.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.body, b.headers
}

func chatBody(url, content string, extra string) string {
	target := ""
	if url != "" {
		target = fmt.Sprintf(`"chatCompletionURL": %q,`, url)
	}
	return fmt.Sprintf(`{%s "messages": [{"content": "earlier"}, {"content": %q}]%s}`, target, content, extra)
}

func TestChat_EndToEndStreaming(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, endToEndBackend)
	})
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/chat", chatBody(be.URL+"/chat/stream", "hello", ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	out := rec.Body.String()
	require.True(t, strings.HasPrefix(out, "Hi<intermediatestep>"), out)
	require.True(t, strings.HasSuffix(out, "</intermediatestep>"), out)

	var step map[string]any
	inner := strings.TrimSuffix(strings.TrimPrefix(out, "Hi<intermediatestep>"), "</intermediatestep>")
	require.NoError(t, json.Unmarshal([]byte(inner), &step))
	assert.Equal(t, "1", step["id"])
	assert.Equal(t, float64(0), step["index"])
	assert.Equal(t, "Step", step["content"].(map[string]any)["name"])

	sent, headers := be.received()
	assert.Equal(t, map[string]any{"message": "hello"}, sent)
	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
	assert.NotEmpty(t, headers.Get("session_id"))
	assert.Equal(t, rec.Header().Get("X-Request-ID"), headers.Get("X-Request-ID"))
}

func TestChat_DefaultBackendAndIntermediateToggle(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, endToEndBackend)
	})
	s := newTestServer(t, func(o *Options) { o.Chat.BackendURL = be.URL + "/generate/stream" })

	rec := do(t, s, http.MethodPost, "/api/chat",
		chatBody("", "hello", `, "additionalProps": {"enableIntermediateSteps": false}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hi", rec.Body.String())
	assert.Equal(t, int32(1), be.calls.Load())
}

func TestChat_AttachmentsReachBackend(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"value\":\"ok\"}\n")
	})
	s := newTestServer(t, nil)

	body := fmt.Sprintf(`{"chatCompletionURL": %q, "messages": [{"content": "", "attachments": [
		{"name": "logo.png", "type": "image", "url": "https://img.example/logo.png"}]}]}`, be.URL+"/chat/stream")
	rec := do(t, s, http.MethodPost, "/api/chat", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent, _ := be.received()
	assert.Equal(t, "[image logo.png] https://img.example/logo.png", sent["message"])
}

func TestChat_SingleShot(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"reply field", `{"message":"hello","reply":"Try teal and coral.","model":"qwen-plus"}`, "Try teal and coral."},
		{"openai shape", `{"choices":[{"message":{"content":"Use #FF5733"}}]}`, "Use #FF5733"},
		{"unknown shape", `{"status":"queued"}`, `{"status":"queued"}`},
		{"plain text", "just text", "just text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Accept"))
				io.WriteString(w, tt.reply)
			})
			rec := do(t, newTestServer(t, nil), http.MethodPost, "/api/chat", chatBody(be.URL+"/chat", "hello", ""))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
			assert.Equal(t, tt.want, rec.Body.String())
		})
	}
}

func TestChat_BadRequest(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, endToEndBackend)
	})
	s := newTestServer(t, func(o *Options) { o.Chat.BackendURL = be.URL + "/chat/stream" })

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty body", "", "request body is required"},
		{"invalid json", `{"messages": [`, "invalid JSON"},
		{"missing messages", `{}`, "messages"},
		{"empty messages", `{"messages": []}`, "messages"},
		{"content not a string", `{"messages": [{"content": 42}]}`, "messages.0.content"},
		{"intermediate flag not bool", `{"messages": [{"content": "hi"}], "additionalProps": {"enableIntermediateSteps": "yes"}}`, "enableIntermediateSteps"},
		{"blank active turn", `{"messages": [{"content": "hi"}, {"content": "   "}]}`, "Message content or attachment is required"},
		{"attachment without body", `{"messages": [{"content": "", "attachments": [{"name": "x"}]}]}`, "Message content or attachment is required"},
		{"relative backend url", `{"chatCompletionURL": "/chat/stream", "messages": [{"content": "hi"}]}`, "chatCompletionURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
		})
	}
	assert.Equal(t, int32(0), be.calls.Load())
}

func TestChat_BackendErrors(t *testing.T) {
	t.Run("non-OK status", func(t *testing.T) {
		be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		})
		rec := do(t, newTestServer(t, nil), http.MethodPost, "/api/chat", chatBody(be.URL+"/chat/stream", "hi", ""))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Backend Error: model overloaded", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("non-OK status with empty body", func(t *testing.T) {
		be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		rec := do(t, newTestServer(t, nil), http.MethodPost, "/api/chat", chatBody(be.URL+"/chat", "hi", ""))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Backend Error: 502 Bad Gateway", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("connection refused", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		down.Close()

		rec := do(t, newTestServer(t, nil), http.MethodPost, "/api/chat", chatBody(down.URL+"/chat/stream", "hi", ""))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Body.String(), "Server Error: "), rec.Body.String())
	})

	t.Run("credentials unavailable", func(t *testing.T) {
		be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		s := newTestServer(t, func(o *Options) { o.Credentials = staticKey{err: errors.New("BAILIAN_API_KEY: no API key configured")} })

		rec := do(t, s, http.MethodPost, "/api/chat", chatBody(be.URL+"/chat/stream", "hi", ""))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Server Error: BAILIAN_API_KEY: no API key configured", strings.TrimSpace(rec.Body.String()))
		assert.Equal(t, int32(0), be.calls.Load())
	})
}

func TestChat_MethodNotAllowed(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/api/chat", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChat_StreamIsFlushedPerChunk(t *testing.T) {
	release := make(chan struct{})
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"value\":\"Hi\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		io.WriteString(w, "data: {\"value\":\" there\"}\ndata: [DONE]\n")
	})
	proxy := httptest.NewServer(newTestServer(t, nil))
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/api/chat", "application/json",
		strings.NewReader(chatBody(be.URL+"/chat/stream", "hello", "")))
	require.NoError(t, err)
	defer resp.Body.Close()

	first := make(chan string, 1)
	go func() {
		buf := make([]byte, 2)
		_, _ = io.ReadFull(resp.Body, buf)
		first <- string(buf)
	}()

	select {
	case got := <-first:
		assert.Equal(t, "Hi", got)
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("first chunk was not flushed before the backend finished")
	}
	close(release)

	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, " there", string(rest))
}

func TestChat_ClientDisconnectStopsBackendRead(t *testing.T) {
	backendDone := make(chan struct{})
	be := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		defer close(backendDone)
		io.WriteString(w, "data: {\"value\":\"Hi\"}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	proxy := httptest.NewServer(newTestServer(t, nil))
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/api/chat", "application/json",
		strings.NewReader(chatBody(be.URL+"/chat/stream", "hello", "")))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case <-backendDone:
	case <-time.After(5 * time.Second):
		t.Fatal("backend request was not cancelled after client disconnect")
	}
}
