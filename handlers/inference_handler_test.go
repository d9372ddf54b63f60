package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainference/gateway/ledger"
	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/proxy"
	"github.com/rainference/gateway/store"
	"github.com/rainference/gateway/tokens"
)

type fakeCredReader struct {
	records map[string]store.TokenRecord
}

func (f *fakeCredReader) TokenRecord(_ context.Context, apiToken string) (store.TokenRecord, error) {
	return f.records[apiToken], nil
}

type fakeUsageSink struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (f *fakeUsageSink) InsertUsage(_ context.Context, rec models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func newTestInferenceHandler(upstreamURL string, sink *fakeUsageSink) (*InferenceHandler, *ledger.Recorder) {
	validator := tokens.NewValidator(&fakeCredReader{records: map[string]store.TokenRecord{
		"good-token": {UserID: "user-1", Balance: "5.00"},
		"poor-token": {UserID: "user-2", Balance: "0.00005"},
	}})
	recorder := ledger.NewRecorder(sink, decimal.RequireFromString("0.5"), 8)
	recorder.Start()

	return &InferenceHandler{
		Validator: validator,
		Proxy:     &proxy.Client{URL: upstreamURL, HTTPClient: &http.Client{}},
		Recorder:  recorder,
	}, recorder
}

func TestChatCompletionsUnauthorized(t *testing.T) {
	h, recorder := newTestInferenceHandler("http://unused", &fakeUsageSink{})
	defer recorder.Close()

	// Missing token and drained balance both collapse to the same 401 so the
	// status code cannot be used as a balance oracle.
	for _, token := range []string{"", "unknown-token", "poor-token"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"prompt":"hi"}`))
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		rr := httptest.NewRecorder()

		h.ChatCompletions(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code, "token %q", token)
		assert.Contains(t, rr.Body.String(), "Unauthorized")
		assert.NotContains(t, rr.Body.String(), "balance")
	}
}

func TestChatCompletionsMissingPrompt(t *testing.T) {
	h, recorder := newTestInferenceHandler("http://unused", &fakeUsageSink{})
	defer recorder.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":false}`))
	req.Header.Set("Authorization", "good-token")
	rr := httptest.NewRecorder()

	h.ChatCompletions(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChatCompletionsBuffered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.InferenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, models.DefaultModel, req.Model)

		json.NewEncoder(w).Encode(models.InferenceResponse{
			ID:    "cmpl-1",
			Model: req.Model,
			Usage: models.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
		})
	}))
	defer upstream.Close()

	sink := &fakeUsageSink{}
	h, recorder := newTestInferenceHandler(upstream.URL, sink)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"prompt":"hi","stream":false}`))
	req.Header.Set("Authorization", "good-token")
	rr := httptest.NewRecorder()

	h.ChatCompletions(rr, req)
	recorder.Close() // drain the async usage write

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp models.InferenceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "cmpl-1", resp.ID)

	require.Len(t, sink.records, 1)
	assert.Equal(t, "user-1", sink.records[0].UserID)
	assert.Equal(t, 10, sink.records[0].TotalTokens)
}

// The streamed path must relay chunks in upstream order.
func TestChatCompletionsStreamedRelayOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range []string{`{"text":"a"}`, `{"text":"b"}`, `{"text":"c"}`} {
			fmt.Fprintln(w, c)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	h, recorder := newTestInferenceHandler(upstream.URL, &fakeUsageSink{})
	defer recorder.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"prompt":"hi","stream":true}`))
	req.Header.Set("Authorization", "good-token")
	rr := httptest.NewRecorder()

	h.ChatCompletions(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	assert.Equal(t, []string{`{"text":"a"}`, `{"text":"b"}`, `{"text":"c"}`}, lines)
}

func TestChatCompletionsUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h, recorder := newTestInferenceHandler(upstream.URL, &fakeUsageSink{})
	defer recorder.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"prompt":"hi","stream":false}`))
	req.Header.Set("Authorization", "good-token")
	rr := httptest.NewRecorder()

	h.ChatCompletions(rr, req)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.NotContains(t, rr.Body.String(), "boom")
}
