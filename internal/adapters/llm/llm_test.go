package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/adapters/llm"
	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestBuildPrompt(t *testing.T) {
	req := domain.CompletionRequest{
		Prompt: "what next?",
		History: []domain.Turn{
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi"},
		},
	}

	p := llm.BuildPrompt(req)
	assert.Equal(t, "what next?", p.Input)
	assert.Contains(t, p.System, "911 Intel")
	require.GreaterOrEqual(t, len(p.Messages), 2)
	last := p.Messages[len(p.Messages)-2:]
	assert.Equal(t, llm.Message{Role: domain.RoleUser, Text: "hello"}, last[0])
	assert.Equal(t, llm.Message{Role: domain.RoleAssistant, Text: "hi"}, last[1])
	assert.Equal(t, float32(0.7), p.Temperature)

	req.Media = &domain.Attachment{Kind: domain.MediaImage, Data: []byte{1}}
	p = llm.BuildPrompt(req)
	assert.Equal(t, float32(0.4), p.Temperature)
	assert.Equal(t, int32(2048), p.MaxTokens)
}

func TestMockLLMRecordsAndDelays(t *testing.T) {
	m := llm.NewMockLLM()
	out, err := m.Complete(context.Background(), domain.CompletionRequest{Prompt: "ping"})
	require.NoError(t, err)
	assert.Contains(t, out, `"ping"`)
	assert.Equal(t, 1, m.Calls())

	m.WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Complete(ctx, domain.CompletionRequest{Prompt: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "slow", m.Requests()[1].Prompt)
}

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) *llm.OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	require.NoError(t, err)
	return client
}

func TestOpenAIComplete(t *testing.T) {
	var got map[string]any
	client := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Go is great."},"finish_reason":"stop"}]}`))
	})

	out, err := client.Complete(context.Background(), domain.CompletionRequest{
		Prompt:  "is go good?",
		History: []domain.Turn{{Role: domain.RoleUser, Content: "hi"}, {Role: domain.RoleAssistant, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Go is great.", out)

	assert.Equal(t, "gpt-test", got["model"])
	msgs := got["messages"].([]any)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	last := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, "is go good?", last["content"])
}

func TestOpenAIImageIsSentAsDataURL(t *testing.T) {
	var body string
	client := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"A cat."},"finish_reason":"stop"}]}`))
	})

	out, err := client.Complete(context.Background(), domain.CompletionRequest{
		Prompt: "describe",
		Media:  &domain.Attachment{Kind: domain.MediaImage, MimeType: "image/png", Data: []byte("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, "A cat.", out)
	assert.True(t, strings.Contains(body, "data:image/png;base64,cG5n"), body)
}

func TestOpenAIRejectsAudio(t *testing.T) {
	client := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.Complete(context.Background(), domain.CompletionRequest{
		Prompt: "transcribe",
		Media:  &domain.Attachment{Kind: domain.MediaAudio, Data: []byte("mp3")},
	})
	var ue *domain.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, domain.FailureInvalidInput, ue.Kind)
	assert.NotEmpty(t, ue.Public)
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.FailureKind
	}{
		{http.StatusTooManyRequests, domain.FailureQuotaExceeded},
		{http.StatusBadRequest, domain.FailureInvalidInput},
		{http.StatusGatewayTimeout, domain.FailureTimeout},
		{http.StatusInternalServerError, domain.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
			})

			_, err := client.Complete(context.Background(), domain.CompletionRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.AsUpstream(err).Kind)
		})
	}
}
