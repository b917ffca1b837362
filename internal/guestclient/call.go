package guestclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sparrowvm/hostbridge/internal/httpcodec"
)

// call performs the five-step template from spec.md §4.3: connect → build
// request → write in 64 KiB chunks → half-close → read to EOF → close →
// parse. It returns the parsed status and raw text body.
func (c *Client) call(ctx context.Context, method, path string, headers map[string]string, body []byte) (int, string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return 0, "", err
	}
	defer conn.Close()

	h := mergeAuth(headers, c.token)
	req := httpcodec.BuildRequest(method, path, h, body)

	if err := writeChunked(ctx, conn, req); err != nil {
		return 0, "", &Error{Kind: ErrConnectionFailed, cause: err}
	}
	if err := conn.CloseWrite(); err != nil {
		return 0, "", &Error{Kind: ErrConnectionFailed, cause: err}
	}

	raw, err := readToEOF(ctx, conn)
	if err != nil {
		return 0, "", &Error{Kind: ErrConnectionFailed, cause: err}
	}

	resp, err := httpcodec.ParseResponse(raw)
	if err != nil {
		return 0, "", &Error{Kind: ErrDecoding, cause: err}
	}
	return resp.Status, resp.Body, nil
}

// callBinary is the binary-bodied counterpart of call, used by FetchFile.
func (c *Client) callBinary(ctx context.Context, method, path string, headers map[string]string) (int, map[string]string, []byte, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return 0, nil, nil, err
	}
	defer conn.Close()

	h := mergeAuth(headers, c.token)
	req := httpcodec.BuildRequest(method, path, h, nil)

	if err := writeChunked(ctx, conn, req); err != nil {
		return 0, nil, nil, &Error{Kind: ErrConnectionFailed, cause: err}
	}
	if err := conn.CloseWrite(); err != nil {
		return 0, nil, nil, &Error{Kind: ErrConnectionFailed, cause: err}
	}

	raw, err := readToEOF(ctx, conn)
	if err != nil {
		return 0, nil, nil, &Error{Kind: ErrConnectionFailed, cause: err}
	}

	resp, err := httpcodec.ParseResponseBinary(raw)
	if err != nil {
		return 0, nil, nil, &Error{Kind: ErrDecoding, cause: err}
	}
	return resp.Status, resp.Headers, resp.Body, nil
}

// mergeAuth adds an Authorization header when a bearer token is configured.
func mergeAuth(headers map[string]string, token string) map[string]string {
	if token == "" {
		return headers
	}
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	merged["Authorization"] = "Bearer " + token
	return merged
}

// writeChunked writes p in writeChunkSize pieces, as spec.md §4.3 step 3
// requires, so a single oversized write never blocks a worker goroutine
// for the whole payload at once.
func writeChunked(ctx context.Context, conn interface {
	WriteAll(ctx context.Context, p []byte) error
}, p []byte) error {
	for len(p) > 0 {
		n := writeChunkSize
		if n > len(p) {
			n = len(p)
		}
		if err := conn.WriteAll(ctx, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// readToEOF reads until the peer closes, per spec.md §4.2: "the caller of
// the client controls response read length by half-closing the write side
// and reading until EOF." There is no unbounded-buffer guard beyond the
// natural bound of one control-port response body.
func readToEOF(ctx context.Context, conn interface {
	Read(ctx context.Context, maxBytes int) ([]byte, error)
}) ([]byte, error) {
	var out []byte
	for {
		chunk, err := conn.Read(ctx, 64*1024)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			return out, nil
		}
		out = append(out, chunk...)
	}
}

// guestErrorBody is the shape of an error body the guest may return
// instead of a success payload: {"error": "..."}.
type guestErrorBody struct {
	Error string `json:"error"`
}

// mapStatus maps a (status, body) pair to the typed result the operation
// template promises: noContent on 204, guestError when the body carries
// {"error": "..."}, nil for any other 2xx, invalidResponse(code) for any
// other status.
func mapStatus(status int, body string) error {
	if status == 204 {
		return &Error{Kind: ErrNoContent}
	}
	if status >= 200 && status < 300 {
		var eb guestErrorBody
		if json.Unmarshal([]byte(body), &eb) == nil && eb.Error != "" {
			return &Error{Kind: ErrGuestError, Message: eb.Error}
		}
		return nil
	}
	var eb guestErrorBody
	if json.Unmarshal([]byte(body), &eb) == nil && eb.Error != "" {
		return &Error{Kind: ErrGuestError, Message: eb.Error}
	}
	return &Error{Kind: ErrInvalidResponse, Code: status}
}

func decodeJSON(body string, v interface{}) error {
	if body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return &Error{Kind: ErrDecoding, cause: fmt.Errorf("decode %T: %w", v, err)}
	}
	return nil
}
