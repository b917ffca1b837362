// Package httpcodec builds and parses the minimal HTTP/1.1 envelope the
// Request Client speaks to the guest's control port (spec.md §4.2). It is
// hand-rolled rather than built on net/http because the client needs
// byte-exact control over chunked writes (for upload progress callbacks)
// and an explicit half-close-then-read-to-EOF response cycle that
// net/http's RoundTripper does not expose.
package httpcodec

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// BuildRequest renders an HTTP/1.1 request line, mandatory headers,
// caller headers, and body per spec.md §4.2. Header map keys are
// preserved as supplied. A map holds one value per key, so a key the
// caller writes twice carries its last-written value. Keys that differ
// only in case are emitted once; which of them is kept is not defined.
func BuildRequest(method, path string, headers map[string]string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1%s", method, path, crlf)
	fmt.Fprintf(&b, "Host: localhost%s", crlf)
	fmt.Fprintf(&b, "Connection: close%s", crlf)

	// Deterministic header order (sorted) makes request bytes reproducible
	// for tests without changing wire semantics.
	keys := make([]string, 0, len(headers))
	seen := make(map[string]bool, len(headers))
	for k := range headers {
		ck := strings.ToLower(k)
		if seen[ck] {
			continue
		}
		seen[ck] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s%s", k, headers[k], crlf)
	}

	if body != nil {
		fmt.Fprintf(&b, "Content-Length: %d%s", len(body), crlf)
	}
	b.WriteString(crlf)
	if body != nil {
		b.Write(body)
	}
	return b.Bytes()
}

// RequestHeader is a convenience alias used when building requests with
// explicit insertion order preserved (e.g. streaming upload headers where
// X-Filename must be set deterministically for test fixtures).
type RequestHeader struct {
	Name  string
	Value string
}

// BuildRequestOrdered is like BuildRequest but preserves header order, used
// by the streaming upload path where X-Batch-* headers are conditionally
// appended. Headers whose names match case-insensitively are collapsed into
// one, at the position of the first occurrence with the last value.
func BuildRequestOrdered(method, path string, headers []RequestHeader, contentLength int64, hasBody bool) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1%s", method, path, crlf)
	fmt.Fprintf(&b, "Host: localhost%s", crlf)
	fmt.Fprintf(&b, "Connection: close%s", crlf)

	seen := make(map[string]int) // canonical key -> index in result slice
	var ordered []RequestHeader
	for _, h := range headers {
		ck := strings.ToLower(h.Name)
		if idx, ok := seen[ck]; ok {
			ordered[idx] = h // last-write-wins
			continue
		}
		seen[ck] = len(ordered)
		ordered = append(ordered, h)
	}
	for _, h := range ordered {
		fmt.Fprintf(&b, "%s: %s%s", h.Name, h.Value, crlf)
	}
	if hasBody {
		fmt.Fprintf(&b, "Content-Length: %d%s", contentLength, crlf)
	}
	b.WriteString(crlf)
	return b.Bytes()
}

// Response is the parsed result of a text-bodied reply.
type Response struct {
	Status int
	Body   string
}

// ParseResponse splits raw on the first CRLFCRLF and treats everything
// after as text, per spec.md §4.2. It does not interpret Content-Length —
// callers control how much is read off the wire before parsing by
// half-closing the write side and reading to EOF.
func ParseResponse(raw []byte) (Response, error) {
	status, _, body, err := splitResponse(raw)
	if err != nil {
		return Response{}, err
	}
	return Response{Status: status, Body: string(body)}, nil
}

// BinaryResponse is the parsed result of a binary-bodied reply, used by
// file fetch.
type BinaryResponse struct {
	Status  int
	Headers map[string]string // lower-cased keys
	Body    []byte
}

// ParseResponseBinary locates the CRLFCRLF separator byte-exactly and
// preserves a binary body, returning a case-insensitive headers map.
func ParseResponseBinary(raw []byte) (BinaryResponse, error) {
	status, headerLines, body, err := splitResponse(raw)
	if err != nil {
		return BinaryResponse{}, err
	}
	headers := make(map[string]string, len(headerLines))
	for _, line := range headerLines {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
	}
	return BinaryResponse{Status: status, Headers: headers, Body: body}, nil
}

// splitResponse parses the status line and header block, returning the
// status code, raw header lines (status line excluded), and the body
// bytes found after the separator.
func splitResponse(raw []byte) (status int, headerLines []string, body []byte, err error) {
	sep := []byte(crlf + crlf)
	idx := bytes.Index(raw, sep)
	if idx < 0 {
		return 0, nil, nil, fmt.Errorf("httpcodec: no header/body separator found")
	}
	head := string(raw[:idx])
	body = raw[idx+len(sep):]

	lines := strings.Split(head, crlf)
	if len(lines) == 0 {
		return 0, nil, nil, fmt.Errorf("httpcodec: empty response head")
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return 0, nil, nil, fmt.Errorf("httpcodec: malformed status line %q", lines[0])
	}
	status, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("httpcodec: malformed status code %q: %w", parts[1], err)
	}
	return status, lines[1:], body, nil
}
