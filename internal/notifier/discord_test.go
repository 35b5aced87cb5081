package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}
	require.NoError(t, n.Notify(context.Background(), "✅ Episode downloaded: Pilot"))
	assert.Equal(t, map[string]string{"content": "✅ Episode downloaded: Pilot"}, got)
}

func TestDiscordNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL}
	err := n.Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDiscordNotifier_MissingWebhook(t *testing.T) {
	require.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "hello"))
}

func TestNew(t *testing.T) {
	assert.IsType(t, Noop{}, New(""))
	assert.IsType(t, &DiscordNotifier{}, New("https://discord.example/webhook"))
	assert.NoError(t, Noop{}.Notify(context.Background(), "ignored"))
}
