package routes

import (
	"net/http"

	"github.com/rainference/gateway/handlers"
)

// Inference routes authenticate with API tokens inside the handlers, not the
// session middleware: admission is balance-gated per request.
func RegisterInferenceRoutes(mux *http.ServeMux, ih *handlers.InferenceHandler, wh *handlers.WSHandler) {
	mux.HandleFunc("POST /v1/chat/completions", ih.ChatCompletions)
	mux.HandleFunc("GET /v1/chat/completions", wh.Completions)
}
