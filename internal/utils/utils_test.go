package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_KeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetBaseLogger(zap.New(core))
	defer SetBaseLogger(zap.NewNop())

	logger := NewLogger("dispatch")
	logger.Info("attempt failed", "provider", "openai", "rank", 1)
	logger.With("tenant_id", "t1").Warn("budget skip")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "dispatch", entries[0].LoggerName)
	assert.Equal(t, "openai", entries[0].ContextMap()["provider"])
	assert.EqualValues(t, 1, entries[0].ContextMap()["rank"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "t1", entries[1].ContextMap()["tenant_id"])
}

func TestConfigureLogging_UnknownLevelFallsBackToInfo(t *testing.T) {
	defer SetBaseLogger(zap.NewNop())
	require.NoError(t, ConfigureLogging(LogOptions{Level: "chatty"}))
	assert.True(t, baseLogger().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, baseLogger().Core().Enabled(zapcore.DebugLevel))
}

func TestRespondWithErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithErrorDetails(rec, http.StatusBadGateway, "all providers exhausted", []string{"openai: timeout"})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"all providers exhausted","details":["openai: timeout"]}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
		var b body
		require.NoError(t, DecodeJSON(r, &b))
		assert.Equal(t, "x", b.Name)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","extra":1}`))
		var b body
		assert.Error(t, DecodeJSON(r, &b))
	})
}

func TestHashString(t *testing.T) {
	h := HashString("sk-test")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashString("sk-test"))
	assert.NotEqual(t, h, HashString("sk-test "))
}

func TestLastN(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"sk-abcdef1234", 4, "1234"},
		{"abc", 4, "abc"},
		{"", 4, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LastN(tt.in, tt.n))
		})
	}
}
