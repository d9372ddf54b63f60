// Package proxy forwards inference requests to the remote compute backend
// and relays responses, buffered or chunk by chunk.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rainference/gateway/models"
)

// UpstreamError reports a non-2xx backend response. The upstream body is
// deliberately not carried: it may contain internal detail the caller must
// not see.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("inference backend returned status %d", e.StatusCode)
}

// Client talks to the single inference backend endpoint. Dial and
// response-header timeouts are bounded; the relay itself may legitimately run
// much longer, so there is no overall client timeout — the request context
// governs the relay's lifetime.
type Client struct {
	HTTPClient *http.Client
	URL        string
}

func NewClient(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *Client) post(ctx context.Context, req models.InferenceRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference backend unreachable: %w", err)
	}
	return resp, nil
}

// Complete runs a buffered request and returns the backend's single reply.
func (c *Client) Complete(ctx context.Context, req models.InferenceRequest) (*models.InferenceResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	var out models.InferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	return &out, nil
}
