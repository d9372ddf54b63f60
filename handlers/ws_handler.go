package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/rainference/gateway/ledger"
	"github.com/rainference/gateway/models"
	"github.com/rainference/gateway/proxy"
	"github.com/rainference/gateway/registry"
	"github.com/rainference/gateway/tokens"
)

type WSHandler struct {
	Validator *tokens.Validator
	Proxy     *proxy.Client
	Registry  *registry.Registry
	Recorder  *ledger.Recorder
}

// wsConn adapts a websocket connection to the registry's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, msg interface{}) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, msg)
}

func (c *wsConn) Kill() {
	_ = c.conn.Close(websocket.StatusInternalError, "connection dead")
}

type wsError struct {
	Error string `json:"error"`
}

// Completions is the push-channel endpoint. The client sends inference
// request messages and receives either streamed partial results or one final
// message per request. Unauthorized connections close with 1008; internal
// failures with 1011.
func (h *WSHandler) Completions(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	userID, decision := h.Validator.Admit(r.Context(), apiToken(r))
	if decision != tokens.Admitted {
		log.Printf("push connection rejected (%s)", decision)
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	key := apiToken(r)
	wc := &wsConn{conn: conn}
	h.Registry.Connect(key, wc)
	defer h.Registry.Disconnect(key, wc)

	// Accept hijacks the connection, after which the request context no longer
	// ends when the client goes away. Scope the session to the handler instead
	// so nothing outlives this connection.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		req := models.InferenceRequest{Stream: true}
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			// Normal disconnect or cancelled context ends the session;
			// anything else is reported as an internal failure.
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			if status != -1 {
				return
			}
			log.Printf("ERROR: push channel read: %v", err)
			_ = conn.Close(websocket.StatusInternalError, "internal error")
			return
		}
		req.ApplyDefaults()

		if req.Prompt == "" {
			h.Registry.SendTo(ctx, key, wsError{Error: "prompt is required"})
			continue
		}

		h.runInference(ctx, key, userID, req)
	}
}

// runInference forwards one request and pushes the result to every
// connection registered under key, so all of the account's attached clients
// observe the same stream.
func (h *WSHandler) runInference(ctx context.Context, key, userID string, req models.InferenceRequest) {
	if !req.Stream {
		resp, err := h.Proxy.Complete(ctx, req)
		if err != nil {
			log.Printf("WARN: push inference failed: %v", err)
			h.Registry.SendTo(ctx, key, wsError{Error: "inference failed"})
			return
		}
		h.Recorder.Record(userID, resp.Model, resp.Usage)
		h.Registry.SendTo(ctx, key, resp)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := h.Proxy.Stream(streamCtx, req)
	if err != nil {
		log.Printf("WARN: push inference failed: %v", err)
		h.Registry.SendTo(ctx, key, wsError{Error: "inference failed"})
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("WARN: push stream aborted: %v", err)
			h.Registry.SendTo(ctx, key, wsError{Error: "stream interrupted"})
			return
		}
		if h.Registry.SendTo(ctx, key, chunk) == 0 {
			// Nobody is listening under this key anymore. Returning cancels
			// the upstream request instead of draining it to no one.
			return
		}
	}
}
