package guestclient

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/sparrowvm/hostbridge/internal/httpcodec"
)

// ProgressFunc is invoked as bytes are streamed, with fraction in [0, 1].
type ProgressFunc func(fraction float64)

// SendFile streams r (exactly size bytes) to the guest's file-receive
// endpoint without loading the full file into memory, per spec.md §4.3
// "Streaming upload". Progress is scaled to 0.95 while streaming and 1.0
// after a successful response, satisfying P5's monotonic-non-decreasing,
// never-exceeds-1.0 contract.
func (c *Client) SendFile(ctx context.Context, r io.Reader, size int64, relativePath string, batchID string, isLastInBatch bool, permissions int, progress ProgressFunc) (string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	headers := []httpcodec.RequestHeader{
		{Name: "X-Filename", Value: relativePath},
	}
	if batchID != "" {
		headers = append(headers, httpcodec.RequestHeader{Name: "X-Batch-ID", Value: batchID})
	}
	if isLastInBatch {
		headers = append(headers, httpcodec.RequestHeader{Name: "X-Batch-Last", Value: "true"})
	}
	if permissions != 0 {
		headers = append(headers, httpcodec.RequestHeader{Name: "X-Permissions", Value: fmt.Sprintf("%o", permissions)})
	}
	headers = append(headers, httpcodec.RequestHeader{Name: "Content-Type", Value: "application/octet-stream"})
	if c.token != "" {
		headers = append(headers, httpcodec.RequestHeader{Name: "Authorization", Value: "Bearer " + c.token})
	}

	reqHead := httpcodec.BuildRequestOrdered("POST", "/api/v1/files/receive", headers, size, true)
	if err := conn.WriteAll(ctx, reqHead); err != nil {
		return "", &Error{Kind: ErrConnectionFailed, cause: err}
	}

	var sent int64
	buf := make([]byte, writeChunkSize)
	for sent < size {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if err := conn.WriteAll(ctx, buf[:n]); err != nil {
				return "", &Error{Kind: ErrConnectionFailed, cause: err}
			}
			sent += int64(n)
			if progress != nil {
				frac := float64(sent) / float64(size)
				if frac > 0.95 {
					frac = 0.95
				}
				progress(frac)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", &Error{Kind: ErrEncoding, cause: readErr}
		}
	}
	if sent != size {
		return "", &Error{Kind: ErrEncoding, cause: fmt.Errorf("sent %d of %d declared bytes", sent, size)}
	}

	if err := conn.CloseWrite(); err != nil {
		return "", &Error{Kind: ErrConnectionFailed, cause: err}
	}
	raw, err := readToEOF(ctx, conn)
	if err != nil {
		return "", &Error{Kind: ErrConnectionFailed, cause: err}
	}
	resp, err := httpcodec.ParseResponse(raw)
	if err != nil {
		return "", &Error{Kind: ErrDecoding, cause: err}
	}
	if err := mapStatus(resp.Status, resp.Body); err != nil {
		return "", err
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", err
	}
	if out.Path == "" {
		return "", &Error{Kind: ErrDecoding, cause: fmt.Errorf("empty path in response")}
	}
	if progress != nil {
		progress(1.0)
	}
	return out.Path, nil
}

// FetchedFile is the result of FetchFile.
type FetchedFile struct {
	Bytes       []byte
	Filename    string
	Permissions *int // nil when the guest did not report X-Permissions
}

// FetchFile downloads a guest file. The returned filename falls back to
// the basename of requestedPath if the guest sends no Content-Disposition
// header, per spec.md §4.3.
func (c *Client) FetchFile(ctx context.Context, requestedPath string) (FetchedFile, error) {
	encoded := encodePathSegments(requestedPath)
	status, headers, body, err := c.callBinary(ctx, "GET", "/api/v1/files/"+encoded, nil)
	if err != nil {
		return FetchedFile{}, err
	}
	if status != 200 {
		return FetchedFile{}, &Error{Kind: ErrInvalidResponse, Code: status}
	}

	filename := filenameFromDisposition(headers["content-disposition"])
	if filename == "" {
		filename = path.Base(requestedPath)
	}

	var perms *int
	if raw, ok := headers["x-permissions"]; ok && raw != "" {
		if p, err := strconv.ParseInt(raw, 8, 32); err == nil {
			pv := int(p)
			perms = &pv
		}
	}

	return FetchedFile{Bytes: body, Filename: filename, Permissions: perms}, nil
}

func encodePathSegments(p string) string {
	out := ""
	for i, seg := range splitPath(p) {
		if i > 0 {
			out += "/"
		}
		out += urlEscape(seg)
	}
	return out
}

func splitPath(p string) []string {
	var segs []string
	cur := ""
	for _, r := range p {
		if r == '/' {
			if cur != "" {
				segs = append(segs, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		segs = append(segs, cur)
	}
	return segs
}

func urlEscape(s string) string {
	const hex = "0123456789ABCDEF"
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-' || c == '_' || c == '.' || c == '~':
			out = append(out, c)
		default:
			out = append(out, '%', hex[c>>4], hex[c&0xf])
		}
	}
	return string(out)
}

// filenameFromDisposition extracts filename="..." from a Content-Disposition
// header value, returning "" if absent or malformed.
func filenameFromDisposition(v string) string {
	const marker = `filename="`
	idx := indexOf(v, marker)
	if idx < 0 {
		return ""
	}
	rest := v[idx+len(marker):]
	end := indexOf(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
