package guestclient

import "context"

// GuestApp is a running or launchable application in the guest.
type GuestApp struct {
	Name     string `json:"name"`
	BundleID string `json:"bundleId"`
}

// ListApps lists guest applications.
func (c *Client) ListApps(ctx context.Context) ([]GuestApp, error) {
	var apps []GuestApp
	err := c.Call(ctx, "GET", "/api/v1/apps", nil, &apps)
	return apps, err
}

// LaunchApp launches a guest application by bundle identifier.
func (c *Client) LaunchApp(ctx context.Context, bundleID string) error {
	return c.Call(ctx, "POST", "/api/v1/apps/launch", map[string]string{"bundleId": bundleID}, nil)
}

// ActivateApp brings a guest application to the foreground.
func (c *Client) ActivateApp(ctx context.Context, bundleID string) error {
	return c.Call(ctx, "POST", "/api/v1/apps/activate", map[string]string{"bundleId": bundleID}, nil)
}

// QuitApp terminates a guest application.
func (c *Client) QuitApp(ctx context.Context, bundleID string) error {
	return c.Call(ctx, "POST", "/api/v1/apps/quit", map[string]string{"bundleId": bundleID}, nil)
}

// FrontmostApp returns the current foreground guest application.
func (c *Client) FrontmostApp(ctx context.Context) (GuestApp, error) {
	var app GuestApp
	err := c.Call(ctx, "GET", "/api/v1/apps/frontmost", nil, &app)
	return app, err
}

// FileEntry describes one guest filesystem entry.
type FileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// FilesystemList lists guest filesystem entries under path.
func (c *Client) FilesystemList(ctx context.Context, path string) ([]FileEntry, error) {
	var entries []FileEntry
	err := c.Call(ctx, "GET", "/api/v1/fs?path="+path, nil, &entries)
	return entries, err
}

// FilesystemMkdir creates a guest directory.
func (c *Client) FilesystemMkdir(ctx context.Context, path string) error {
	return c.Call(ctx, "POST", "/api/v1/fs/mkdir", map[string]string{"path": path}, nil)
}

// FilesystemDelete removes a guest filesystem entry.
func (c *Client) FilesystemDelete(ctx context.Context, path string) error {
	return c.Call(ctx, "DELETE", "/api/v1/fs?path="+path, nil, nil)
}

// FilesystemMove renames or moves a guest filesystem entry.
func (c *Client) FilesystemMove(ctx context.Context, from, to string) error {
	return c.Call(ctx, "POST", "/api/v1/fs/move", map[string]string{"from": from, "to": to}, nil)
}

// AccessibilityNode is one node of a guest accessibility tree.
type AccessibilityNode struct {
	Role     string              `json:"role"`
	Value    string              `json:"value,omitempty"`
	Children []AccessibilityNode `json:"children,omitempty"`
}

// AccessibilityTree fetches the accessibility tree for the focused window.
func (c *Client) AccessibilityTree(ctx context.Context) (AccessibilityNode, error) {
	var root AccessibilityNode
	err := c.Call(ctx, "GET", "/api/v1/ax/tree", nil, &root)
	return root, err
}

// AccessibilityAction performs a named accessibility action on an element.
func (c *Client) AccessibilityAction(ctx context.Context, elementID, action string) error {
	return c.Call(ctx, "POST", "/api/v1/ax/action", map[string]string{"elementId": elementID, "action": action}, nil)
}

// AccessibilityMenu fetches the guest's current menu bar structure.
func (c *Client) AccessibilityMenu(ctx context.Context) (AccessibilityNode, error) {
	var root AccessibilityNode
	err := c.Call(ctx, "GET", "/api/v1/ax/menu", nil, &root)
	return root, err
}

// AccessibilityValue sets an element's value (e.g. a text field).
func (c *Client) AccessibilityValue(ctx context.Context, elementID, value string) error {
	return c.Call(ctx, "POST", "/api/v1/ax/value", map[string]string{"elementId": elementID, "value": value}, nil)
}

// AccessibilityFocused returns the currently focused accessibility element.
func (c *Client) AccessibilityFocused(ctx context.Context) (AccessibilityNode, error) {
	var node AccessibilityNode
	err := c.Call(ctx, "GET", "/api/v1/ax/focused", nil, &node)
	return node, err
}

// PointerEvent describes a synthetic pointer event to inject in the guest.
type PointerEvent struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Action string `json:"action"` // "move", "down", "up", "click"
}

// Pointer injects a synthetic pointer event.
func (c *Client) Pointer(ctx context.Context, ev PointerEvent) error {
	return c.Call(ctx, "POST", "/api/v1/input/pointer", ev, nil)
}

// KeyboardEvent describes a synthetic keyboard event to inject in the guest.
type KeyboardEvent struct {
	KeyCode int    `json:"keyCode"`
	Action  string `json:"action"` // "down", "up", "press"
}

// Keyboard injects a synthetic keyboard event.
func (c *Client) Keyboard(ctx context.Context, ev KeyboardEvent) error {
	return c.Call(ctx, "POST", "/api/v1/input/keyboard", ev, nil)
}

// ExecResult is the outcome of a guest command execution.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Exec runs a command in the guest and returns its result.
func (c *Client) Exec(ctx context.Context, command []string) (ExecResult, error) {
	var res ExecResult
	err := c.Call(ctx, "POST", "/api/v1/exec", map[string]interface{}{"command": command}, &res)
	return res, err
}

// Elements returns the flattened element list for the focused window,
// a lighter-weight alternative to the full accessibility tree.
func (c *Client) Elements(ctx context.Context) ([]AccessibilityNode, error) {
	var els []AccessibilityNode
	err := c.Call(ctx, "GET", "/api/v1/elements", nil, &els)
	return els, err
}

// Screenshot returns a PNG-encoded screenshot of the guest display.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	status, _, body, err := c.callBinary(ctx, "GET", "/api/v1/screenshot", nil)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, &Error{Kind: ErrInvalidResponse, Code: status}
	}
	return body, nil
}

// BatchOp is one operation within a Batch call.
type BatchOp struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Body   interface{} `json:"body,omitempty"`
}

// BatchResult is the outcome of one BatchOp.
type BatchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Batch submits multiple operations in a single round trip.
func (c *Client) Batch(ctx context.Context, ops []BatchOp) ([]BatchResult, error) {
	var results []BatchResult
	err := c.Call(ctx, "POST", "/api/v1/batch", map[string]interface{}{"ops": ops}, &results)
	return results, err
}

// OverlayShow displays the host-drawn overlay in the guest.
func (c *Client) OverlayShow(ctx context.Context) error {
	return c.Call(ctx, "POST", "/api/v1/overlay/show", nil, nil)
}

// OverlayHide hides the host-drawn overlay.
func (c *Client) OverlayHide(ctx context.Context) error {
	return c.Call(ctx, "POST", "/api/v1/overlay/hide", nil, nil)
}

// Permissions reports the guest's granted OS permissions.
type Permissions struct {
	Accessibility bool `json:"accessibility"`
	ScreenRecording bool `json:"screenRecording"`
}

// PermissionsCheck queries the guest's current permission grants.
func (c *Client) PermissionsCheck(ctx context.Context) (Permissions, error) {
	var p Permissions
	err := c.Call(ctx, "GET", "/api/v1/permissions", nil, &p)
	return p, err
}
