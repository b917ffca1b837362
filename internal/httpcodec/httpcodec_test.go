package httpcodec

import (
	"strings"
	"testing"
)

func TestBuildRequestIncludesMandatoryHeaders(t *testing.T) {
	raw := string(BuildRequest("GET", "/api/v1/clipboard", nil, nil))
	if !strings.HasPrefix(raw, "GET /api/v1/clipboard HTTP/1.1\r\n") {
		t.Fatalf("bad request line: %q", raw)
	}
	if !strings.Contains(raw, "Host: localhost\r\n") {
		t.Fatalf("missing Host header: %q", raw)
	}
	if !strings.Contains(raw, "Connection: close\r\n") {
		t.Fatalf("missing Connection header: %q", raw)
	}
	if !strings.HasSuffix(raw, "\r\n\r\n") {
		t.Fatalf("missing terminating CRLFCRLF: %q", raw)
	}
}

func TestBuildRequestAppendsContentLengthAndBody(t *testing.T) {
	body := []byte(`{"content":"hi"}`)
	raw := string(BuildRequest("POST", "/api/v1/clipboard", map[string]string{"Content-Type": "application/json"}, body))
	if !strings.Contains(raw, "Content-Length: 16\r\n") {
		t.Fatalf("missing content-length: %q", raw)
	}
	if !strings.HasSuffix(raw, string(body)) {
		t.Fatalf("body not appended: %q", raw)
	}
}

func TestBuildRequestDuplicateHeaderLastWriteWins(t *testing.T) {
	headers := map[string]string{"X-Foo": "first"}
	headers["X-Foo"] = "second"
	raw := string(BuildRequest("GET", "/x", headers, nil))
	if strings.Count(raw, "X-Foo") != 1 {
		t.Fatalf("expected exactly one X-Foo header, got: %q", raw)
	}
	if !strings.Contains(raw, "X-Foo: second\r\n") {
		t.Fatalf("expected the last-written X-Foo value, got: %q", raw)
	}
}

func TestParseResponseSplitsOnFirstSeparator(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK")
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if resp.Body != "OK" {
		t.Fatalf("body = %q, want OK", resp.Body)
	}
}

func TestParseResponseBinaryPreservesBytesAndHeaders(t *testing.T) {
	body := []byte{0x00, 0x01, 0xff, '\r', '\n', '\r', '\n'} // body itself may contain CRLFCRLF-like bytes
	raw := append([]byte("HTTP/1.1 200 OK\r\nX-Permissions: 644\r\nContent-Disposition: attachment; filename=\"a.bin\"\r\n\r\n"), body...)
	resp, err := ParseResponseBinary(raw)
	if err != nil {
		t.Fatalf("ParseResponseBinary: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if resp.Headers["x-permissions"] != "644" {
		t.Fatalf("headers = %v, missing x-permissions", resp.Headers)
	}
	if len(resp.Body) != len(body) {
		t.Fatalf("body length = %d, want %d (binary body must not be truncated at embedded CRLFCRLF-like bytes)", len(resp.Body), len(body))
	}
}

func TestParseResponseNoSeparatorIsError(t *testing.T) {
	if _, err := ParseResponse([]byte("garbage")); err == nil {
		t.Fatal("expected error for missing separator")
	}
}

func TestBuildRequestOrderedPreservesInsertionOrder(t *testing.T) {
	headers := []RequestHeader{
		{Name: "X-Filename", Value: "a/b.bin"},
		{Name: "X-Batch-ID", Value: "x"},
		{Name: "X-Batch-Last", Value: "true"},
		{Name: "X-Permissions", Value: "644"},
		{Name: "Content-Type", Value: "application/octet-stream"},
	}
	raw := string(BuildRequestOrdered("POST", "/api/v1/files/receive", headers, 104857600, true))
	wantOrder := []string{"X-Filename", "X-Batch-ID", "X-Batch-Last", "X-Permissions", "Content-Type", "Content-Length"}
	lastIdx := -1
	for _, name := range wantOrder {
		idx := strings.Index(raw, name)
		if idx < 0 {
			t.Fatalf("missing header %s in %q", name, raw)
		}
		if idx < lastIdx {
			t.Fatalf("header %s out of order in %q", name, raw)
		}
		lastIdx = idx
	}
	if !strings.Contains(raw, "Content-Length: 104857600\r\n") {
		t.Fatalf("missing content-length: %q", raw)
	}
}
