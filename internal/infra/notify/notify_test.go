package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestWebhookPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, "bastion", time.Second)
	require.NoError(t, err)
	require.NoError(t, hook.Notify(context.Background(), "Circuit breaker tripped", "5 losses"))
	require.Equal(t, "bastion", got.Source)
	require.Equal(t, "Circuit breaker tripped", got.Subject)
	require.Equal(t, "5 losses", got.Body)
}

func TestWebhookSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, "bastion", time.Second)
	require.NoError(t, err)
	err = hook.Notify(context.Background(), "s", "b")
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")

	_, err = NewWebhook("  ", "bastion", 0)
	require.Error(t, err)
}

type failing struct{}

func (failing) Notify(context.Context, string, string) error { return errors.New("down") }

func TestMultiAndLog(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{NewLog(log.New(&buf, "", 0)), nil, failing{}}
	err := m.Notify(context.Background(), "hello", "world")
	require.EqualError(t, err, "down")
	require.Contains(t, buf.String(), `subject="hello"`)
}
