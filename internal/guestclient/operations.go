package guestclient

import (
	"context"
	"encoding/json"
)

// ClipboardContent is the guest clipboard payload, per the control wire
// contract (spec.md §6).
type ClipboardContent struct {
	Content     string `json:"content,omitempty"`
	Type        string `json:"type,omitempty"`
	ChangeCount int    `json:"changeCount,omitempty"`
}

// ClipboardGet fetches the guest clipboard. A 204 response (empty
// clipboard) is reported as ErrNoContent.
func (c *Client) ClipboardGet(ctx context.Context) (ClipboardContent, error) {
	status, body, err := c.call(ctx, "GET", "/api/v1/clipboard", nil, nil)
	if err != nil {
		return ClipboardContent{}, err
	}
	if status == 204 {
		return ClipboardContent{}, &Error{Kind: ErrNoContent}
	}
	if err := mapStatus(status, body); err != nil {
		return ClipboardContent{}, err
	}
	var cc ClipboardContent
	if err := decodeJSON(body, &cc); err != nil {
		return ClipboardContent{}, err
	}
	return cc, nil
}

// ClipboardSet pushes content to the guest clipboard.
func (c *Client) ClipboardSet(ctx context.Context, content, uti string) error {
	payload, err := json.Marshal(ClipboardContent{Content: content, Type: uti})
	if err != nil {
		return &Error{Kind: ErrEncoding, cause: err}
	}
	status, body, err := c.call(ctx, "POST", "/api/v1/clipboard",
		map[string]string{"Content-Type": "application/json"}, payload)
	if err != nil {
		return err
	}
	return mapStatus(status, body)
}

// ListFiles returns the guest-absolute paths currently queued for pickup.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	status, body, err := c.call(ctx, "GET", "/api/v1/files", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}
	var out struct {
		Files []string `json:"files"`
	}
	if err := decodeJSON(body, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// ClearFileQueue deletes every queued file from the guest.
func (c *Client) ClearFileQueue(ctx context.Context) error {
	status, body, err := c.call(ctx, "DELETE", "/api/v1/files", nil, nil)
	if err != nil {
		return err
	}
	return mapStatus(status, body)
}

// PendingURLs returns URLs the guest wants the host to open.
func (c *Client) PendingURLs(ctx context.Context) ([]string, error) {
	status, body, err := c.call(ctx, "GET", "/api/v1/urls", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}
	var out struct {
		URLs []string `json:"urls"`
	}
	if err := decodeJSON(body, &out); err != nil {
		return nil, err
	}
	return out.URLs, nil
}

// FetchLogs returns buffered guest log lines.
func (c *Client) FetchLogs(ctx context.Context) ([]string, error) {
	status, body, err := c.call(ctx, "GET", "/api/v1/logs", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := mapStatus(status, body); err != nil {
		return nil, err
	}
	var out struct {
		Logs []string `json:"logs"`
	}
	if err := decodeJSON(body, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// HealthCheck issues a one-shot GET /health, distinct from the persistent
// Health Monitor (spec.md §9 Open Question — the two are not unified).
func (c *Client) HealthCheck(ctx context.Context) error {
	status, body, err := c.call(ctx, "GET", "/health", nil, nil)
	if err != nil {
		return err
	}
	return mapStatus(status, body)
}

// Call issues a generic JSON request/response exchange against the
// remaining named operations (guest-app list/launch/activate/quit,
// filesystem list/mkdir/delete/move, accessibility tree/action/menu/
// value/focused, pointer, keyboard, exec, elements, screenshot, batch,
// overlay show/hide, frontmost-app, permissions check). Each of those
// endpoints except screenshot shares the exact same envelope as the
// operations above, and Call is the template the per-endpoint wrappers in
// ops_generic.go apply; Screenshot reads its binary body through
// callBinary instead.
func (c *Client) Call(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}) error {
	var payload []byte
	headers := map[string]string{}
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return &Error{Kind: ErrEncoding, cause: err}
		}
		headers["Content-Type"] = "application/json"
	}
	status, body, err := c.call(ctx, method, path, headers, payload)
	if err != nil {
		return err
	}
	if status == 204 {
		return &Error{Kind: ErrNoContent}
	}
	if err := mapStatus(status, body); err != nil {
		return err
	}
	if respBody != nil {
		return decodeJSON(body, respBody)
	}
	return nil
}
