package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practiceflow/internal/config"
)

func TestHTTPEmailSenderPostsToRelay(t *testing.T) {
	var got relayMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(relayResponse{MessageID: "m-1"})
	}))
	defer srv.Close()

	s := NewHTTPEmailSender(config.EmailConfig{RelayURL: srv.URL, From: "ops@firm.test", APIKey: "k"})
	id, err := s.Send(context.Background(), "c@client.test", "Docs", "Please send")
	require.NoError(t, err)
	assert.Equal(t, "m-1", id)
	assert.Equal(t, relayMessage{From: "ops@firm.test", To: "c@client.test", Subject: "Docs", Body: "Please send"}, got)
}

func TestHTTPEmailSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad recipient", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPEmailSender(config.EmailConfig{RelayURL: srv.URL}).Send(context.Background(), "x", "s", "b")
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusUnprocessableEntity, status.Code)
	assert.True(t, status.Permanent())
}

type failingSender struct{ calls atomic.Int32 }

func (f *failingSender) Send(context.Context, string, string, string) (string, error) {
	f.calls.Add(1)
	return "", errors.New("relay down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &failingSender{}
	b := NewBreakerEmailSender(next, config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, nil)
	for i := 0; i < 2; i++ {
		_, err := b.Send(context.Background(), "a", "s", "b")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Send(context.Background(), "a", "s", "b")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker must not reach the relay")
}

func TestUnconfiguredAlwaysFails(t *testing.T) {
	s := NewEmailSender(config.EmailConfig{}, nil)
	_, err := s.Send(context.Background(), "a", "s", "b")
	assert.ErrorIs(t, err, ErrNotConfigured)

	inv := NewAgentInvoker(config.AgentsConfig{})
	_, err = inv.Invoke(context.Background(), "summarize", nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHTTPAgentInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/doc-review/invoke", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		input := body["input"].(map[string]any)
		_ = json.NewEncoder(w).Encode(map[string]any{"echo": input["task"]})
	}))
	defer srv.Close()

	inv := NewAgentInvoker(config.AgentsConfig{BaseURL: srv.URL + "/"})
	out, err := inv.Invoke(context.Background(), "doc-review", map[string]any{"task": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", out["echo"])
}
