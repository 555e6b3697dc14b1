package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_routing/internal/models"
)

func newCall(baseURL string) Call {
	return Call{
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		Modality:   models.ModalityText,
		Capability: models.FeatureChat,
		BaseURL:    baseURL,
		APIKey:     "sk-test",
		Payload:    map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hi"}}, "stream": true},
	}
}

func TestOpenAICompatible_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.NotContains(t, body, "stream")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":12,"completion_tokens":30,"total_tokens":42,"cost":0.0021}}`))
	}))
	defer server.Close()

	c := NewOpenAICompatible(nil)
	res, err := c.Invoke(context.Background(), newCall(server.URL+"/v1/"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.InputTokens)
	assert.Equal(t, int64(30), res.OutputTokens)
	assert.Equal(t, int64(42), res.Tokens())
	assert.InDelta(t, 0.0021, res.CostUSD, 1e-12)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenAICompatible_ResponsesUsageShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"usage":{"input_tokens":5,"output_tokens":7}}`))
	}))
	defer server.Close()

	res, err := NewOpenAICompatible(nil).Invoke(context.Background(), newCall(server.URL))
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.InputTokens)
	assert.Equal(t, int64(7), res.OutputTokens)
	assert.Zero(t, res.CostUSD)
}

func TestOpenAICompatible_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key"}}`, KindAuth},
		{"forbidden", http.StatusForbidden, `{"error":{"message":"no access"}}`, KindAuth},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, KindRateLimited},
		{"server", http.StatusBadGateway, `upstream down`, KindServer},
		{"bad request", http.StatusBadRequest, `{"message":"bad model"}`, KindClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewOpenAICompatible(nil).Invoke(context.Background(), newCall(server.URL))
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.NotEmpty(t, perr.Message)
			assert.NotContains(t, perr.Error(), "sk-test")
		})
	}
}

func TestOpenAICompatible_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":`))
	}))
	defer server.Close()

	_, err := NewOpenAICompatible(nil).Invoke(context.Background(), newCall(server.URL))
	assert.Equal(t, KindMalformed, KindOf(err))
}

func TestOpenAICompatible_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewOpenAICompatible(nil).Invoke(ctx, newCall(server.URL))
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestOpenAICompatible_UnknownCapability(t *testing.T) {
	call := newCall("http://unused")
	call.Capability = "teleport"
	_, err := NewOpenAICompatible(nil).Invoke(context.Background(), call)
	assert.Equal(t, KindClient, KindOf(err))
}

func TestOpenAICompatible_Verify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	c := NewOpenAICompatible(nil)
	call := newCall(server.URL)

	call.APIKey = "good"
	assert.NoError(t, c.Verify(context.Background(), call))

	call.APIKey = "bad"
	err := c.Verify(context.Background(), call)
	assert.True(t, IsAuth(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindServer, KindOf(assert.AnError))
	assert.Equal(t, KindRateLimited, KindOf(&Error{Kind: KindRateLimited}))
}

func TestRegistry(t *testing.T) {
	var calls []string
	fallback := ClientFunc(func(ctx context.Context, call Call) (*Result, error) {
		calls = append(calls, "fallback:"+call.Provider)
		return &Result{}, nil
	})
	special := ClientFunc(func(ctx context.Context, call Call) (*Result, error) {
		calls = append(calls, "special:"+call.Provider)
		return nil, &Error{Kind: KindAuth, StatusCode: 401, Message: "nope"}
	})

	r := NewRegistry(fallback)
	r.Register("anthropic", special)

	_, err := r.Invoke(context.Background(), Call{Provider: "openai"})
	require.NoError(t, err)

	// no Verifier: verification falls back to a full invocation
	err = r.Verify(context.Background(), Call{Provider: "anthropic"})
	assert.True(t, IsAuth(err))
	assert.Equal(t, []string{"fallback:openai", "special:anthropic"}, calls)

	empty := NewRegistry(nil)
	_, err = empty.Client("openai")
	assert.ErrorIs(t, err, ErrNoClient)
}
