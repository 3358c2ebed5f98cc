package localgw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
)

func testRequest(model string, stream bool) *anthropic.Request {
	return &anthropic.Request{
		Model:     model,
		MaxTokens: 256,
		Stream:    stream,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("hello")},
		},
	}
}

func TestHandleNonStreamSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer local-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	gw := New(Config{URL: srv.URL, APIKey: "local-key"})
	msg, err := gw.Handle(context.Background(), testRequest("local-gemma", false))
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, msg.Content, 1)
	text, ok := msg.Content[0].(anthropic.TextBlock)
	require.True(t, ok)
	assert.Equal(t, "hi there", text.Text)
	assert.Equal(t, "end_turn", msg.StopReason)
	assert.Equal(t, 0, msg.Usage.InputTokens)
	assert.Equal(t, 0, msg.Usage.OutputTokens)
}

func TestHandleUpstreamErrorWraps502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	gw := New(Config{URL: srv.URL})
	_, err := gw.Handle(context.Background(), testRequest("local-gemma", false))
	require.Error(t, err)

	ge, ok := err.(interface{ HTTPStatus() int })
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, ge.HTTPStatus())
}

func TestHandleStreamPumpsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`data: {"choices":[{"delta":{"content":"he"}}]}` + "\n\n",
			`data: {"choices":[{"delta":{"content":"llo"},"finish_reason":"stop"}]}` + "\n\n",
			"data: [DONE]\n\n",
		}
		for _, f := range frames {
			w.Write([]byte(f))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	gw := New(Config{URL: srv.URL})
	events, err := gw.HandleStream(context.Background(), testRequest("local-gemma", true))
	require.NoError(t, err)

	var count int
	for range events {
		count++
	}
	assert.Greater(t, count, 0)
}

func TestDefaultURLFallback(t *testing.T) {
	gw := New(Config{})
	assert.Equal(t, DefaultURL, gw.cfg.URL)
}
