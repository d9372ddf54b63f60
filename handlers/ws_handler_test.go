package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainference/gateway/ledger"
	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/proxy"
	"github.com/rainference/gateway/registry"
	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/tokens"
)

func newTestWSHandler(upstreamURL string) *WSHandler {
	validator := tokens.NewValidator(&fakeCredReader{records: map[string]store.TokenRecord{
		"good-token": {UserID: "user-1", Balance: "5.00"},
	}})
	recorder := ledger.NewRecorder(&fakeUsageSink{}, decimal.RequireFromString("0.5"), 8)
	recorder.Start()

	return &WSHandler{
		Validator: validator,
		Proxy:     &proxy.Client{URL: upstreamURL, HTTPClient: &http.Client{}},
		Registry:  registry.NewRegistry(),
		Recorder:  recorder,
	}
}

func dialWS(t *testing.T, ctx context.Context, srvURL, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http")

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	return conn
}

// Unauthorized connections are closed with 1008, distinct from internal
// failures.
func TestWSCompletionsUnauthorizedCloseCode(t *testing.T) {
	h := newTestWSHandler("http://unused")
	srv := httptest.NewServer(http.HandlerFunc(h.Completions))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv.URL, "bad-token")
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg json.RawMessage
	err := wsjson.Read(ctx, conn, &msg)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSCompletionsStreams(t *testing.T) {
	chunks := []string{`{"text":"a"}`, `{"text":"b"}`, `{"text":"c"}`}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintln(w, c)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	h := newTestWSHandler(upstream.URL)
	srv := httptest.NewServer(http.HandlerFunc(h.Completions))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv.URL, "good-token")
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, models.InferenceRequest{Prompt: "hi", Stream: true}))

	var got []string
	for range chunks {
		var msg json.RawMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		got = append(got, string(msg))
	}
	assert.Equal(t, chunks, got)
}

func TestWSCompletionsBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.InferenceResponse{
			ID:    "cmpl-1",
			Model: "m1",
			Usage: models.Usage{TotalTokens: 10},
		})
	}))
	defer upstream.Close()

	h := newTestWSHandler(upstream.URL)
	srv := httptest.NewServer(http.HandlerFunc(h.Completions))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv.URL, "good-token")
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, models.InferenceRequest{Prompt: "hi", Stream: false}))

	var resp models.InferenceResponse
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	assert.Equal(t, "cmpl-1", resp.ID)
}

// When the last connection under a key dies mid-stream, the upstream request
// must be cancelled promptly rather than drained to no one.
func TestWSCompletionsCancelsUpstreamAfterDisconnect(t *testing.T) {
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				close(upstreamDone)
				return
			case <-ticker.C:
				fmt.Fprintln(w, `{"text":"tick"}`)
				flusher.Flush()
			}
		}
	}))
	defer upstream.Close()

	h := newTestWSHandler(upstream.URL)
	srv := httptest.NewServer(http.HandlerFunc(h.Completions))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv.URL, "good-token")
	require.NoError(t, wsjson.Write(ctx, conn, models.InferenceRequest{Prompt: "hi", Stream: true}))

	// Take one chunk so the relay is mid-stream, then drop the connection.
	var msg json.RawMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	conn.CloseNow()

	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream stream still being drained after the last connection closed")
	}
}

func TestWSCompletionsMissingPrompt(t *testing.T) {
	h := newTestWSHandler("http://unused")
	srv := httptest.NewServer(http.HandlerFunc(h.Completions))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv.URL, "good-token")
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, conn, models.InferenceRequest{Stream: true}))

	var errMsg wsError
	require.NoError(t, wsjson.Read(ctx, conn, &errMsg))
	assert.Equal(t, "prompt is required", errMsg.Error)
}
