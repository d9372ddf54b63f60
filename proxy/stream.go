package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rainference/gateway/models"
)

// A chunk that fails to decode is skipped, but this many consecutive failures
// trip the stream closed instead of spinning silently forever.
const maxDecodeFailures = 5

var ErrTooManyBadChunks = errors.New("too many consecutive undecodable chunks")

// Stream iterates the backend's chunked response in arrival order. Nothing is
// buffered beyond the line being read. Cancelling the context passed to
// Client.Stream aborts the underlying request immediately.
type Stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	failures int
}

// Stream opens an incremental request. The caller must Close the returned
// stream.
func (c *Client) Stream(ctx context.Context, req models.InferenceRequest) (*Stream, error) {
	req.Stream = true

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next independently-parseable chunk, verbatim. io.EOF marks
// the normal end of the stream.
func (s *Stream) Next() (json.RawMessage, error) {
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if !json.Valid(line) {
			s.failures++
			if s.failures >= maxDecodeFailures {
				return nil, ErrTooManyBadChunks
			}
			continue
		}
		s.failures = 0

		chunk := make(json.RawMessage, len(line))
		copy(chunk, line)
		return chunk, nil
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}
