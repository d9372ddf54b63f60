package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/rainference/gateway/ledger"
	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/proxy"
	"github.com/rainference/gateway/tokens"
	"github.com/rainference/gateway/utils"
)

type InferenceHandler struct {
	Validator *tokens.Validator
	Proxy     *proxy.Client
	Recorder  *ledger.Recorder
}

// apiToken pulls the opaque API token out of the Authorization header. Both
// bare tokens and the Bearer form are accepted.
func apiToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.TrimPrefix(token, "Bearer ")
}

// ChatCompletions admits, forwards and relays one inference request. All
// admission failures collapse to a single generic 401 — the reason is logged
// but callers must not be able to probe balance state through status codes.
func (h *InferenceHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	userID, decision := h.Validator.Admit(r.Context(), apiToken(r))
	if decision != tokens.Admitted {
		log.Printf("inference request denied (%s)", decision)
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// Absent "stream" means streamed delivery.
	req := models.InferenceRequest{Stream: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ApplyDefaults()

	if req.Prompt == "" {
		utils.RespondValidationError(w, "Missing required fields", []string{"prompt"})
		return
	}

	if req.Stream {
		h.relayStream(w, r, req)
		return
	}

	resp, err := h.Proxy.Complete(r.Context(), req)
	if err != nil {
		respondUpstreamFailure(w, err)
		return
	}

	h.Recorder.Record(userID, resp.Model, resp.Usage)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("ERROR: encoding inference response: %v", err)
	}
}

// relayStream forwards each upstream chunk to the caller as it arrives,
// preserving order and buffering nothing. The request context cancels the
// upstream call the moment the caller disconnects.
func (h *InferenceHandler) relayStream(w http.ResponseWriter, r *http.Request, req models.InferenceRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	stream, err := h.Proxy.Stream(r.Context(), req)
	if err != nil {
		respondUpstreamFailure(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Headers are gone; all we can do is stop the relay.
			log.Printf("WARN: stream relay aborted: %v", err)
			return
		}

		w.Write(chunk)
		w.Write([]byte("\n"))
		flusher.Flush()
	}
}

func respondUpstreamFailure(w http.ResponseWriter, err error) {
	var upstreamErr *proxy.UpstreamError
	if errors.As(err, &upstreamErr) {
		utils.RespondError(w, http.StatusBadGateway, upstreamErr.Error())
		return
	}
	utils.RespondInternal(w, err, "Inference request failed")
}
