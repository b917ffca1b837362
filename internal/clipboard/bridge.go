// Package clipboard implements the Clipboard Bridge (spec.md §4.9):
// event-driven, focus-triggered push/pull between the host pasteboard and
// the guest's clipboard endpoint, with SHA-256 echo suppression in both
// directions. The host pasteboard itself sits behind the HostPasteboard
// interface, platform-split the way the teacher splits harness syscalls
// across _linux/_other build-tagged files (internal/harness/vsock_linux.go
// / vsock_other.go).
package clipboard

import (
	"context"
	"crypto/sha256"
	"log"
	"sync"

	"github.com/sparrowvm/hostbridge/internal/guestclient"
)

// Mode selects which directions the bridge actively syncs.
type Mode int

const (
	ModeBidirectional Mode = iota
	ModeHostToGuest
	ModeGuestToHost
	ModeDisabled
)

// Item is one clipboard payload crossing the boundary.
type Item struct {
	Data []byte
	UTI  string
}

// richestFirst is the format priority from spec.md §4.9: "png, tiff,
// utf-8 text."
var richestFirst = []string{"public.png", "public.tiff", "public.utf8-plain-text"}

// HostPasteboard abstracts the host OS clipboard so Bridge stays
// platform-independent; see pasteboard_darwin.go and pasteboard_other.go.
type HostPasteboard interface {
	// Read returns the richest available item, its change counter, and
	// whether any content was present.
	Read() (Item, int, bool, error)
	// Write replaces the host pasteboard with item and returns the new
	// change counter.
	Write(item Item) (int, error)
}

// Bridge wires a HostPasteboard to the guest clipboard endpoint.
type Bridge struct {
	client *guestclient.Client
	pb     HostPasteboard
	mode   Mode

	mu             sync.Mutex
	lastPulledHash [32]byte
	lastPushedHash [32]byte
	lastChangeCount int
	haveLast       bool
}

// New constructs a Bridge in the given mode.
func New(client *guestclient.Client, pb HostPasteboard, mode Mode) *Bridge {
	return &Bridge{client: client, pb: pb, mode: mode}
}

// SetMode changes the active sync mode.
func (b *Bridge) SetMode(mode Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
}

// OnFocusGained runs a pull (and, in bidirectional mode, nothing else —
// push happens on focus lost per spec.md §4.9: "on window focus gained
// (key) and lost (resign)").
func (b *Bridge) OnFocusGained(ctx context.Context) {
	mode := b.currentMode()
	if mode == ModeDisabled || mode == ModeHostToGuest {
		return
	}
	if err := b.pull(ctx); err != nil {
		log.Printf("clipboard: pull on focus gained: %v", err)
	}
}

// OnFocusLost runs a push.
func (b *Bridge) OnFocusLost(ctx context.Context) {
	mode := b.currentMode()
	if mode == ModeDisabled || mode == ModeGuestToHost {
		return
	}
	if err := b.push(ctx); err != nil {
		log.Printf("clipboard: push on focus lost: %v", err)
	}
}

func (b *Bridge) currentMode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// push reads the richest host pasteboard item and sends it to the guest,
// unless a change-count gate or echo-suppression hash match skips it.
func (b *Bridge) push(ctx context.Context) error {
	item, changeCount, ok, err := b.pb.Read()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	b.mu.Lock()
	gated := b.haveLast && changeCount == b.lastChangeCount
	b.mu.Unlock()
	if gated {
		return nil
	}

	hash := sha256.Sum256(item.Data)
	b.mu.Lock()
	skip := b.lastPulledHash == hash
	b.mu.Unlock()
	if skip {
		return nil
	}

	if err := b.client.ClipboardSet(ctx, string(item.Data), item.UTI); err != nil {
		return err
	}

	b.mu.Lock()
	b.lastPushedHash = hash
	b.lastChangeCount = changeCount
	b.haveLast = true
	b.mu.Unlock()
	return nil
}

// pull fetches the guest clipboard and replaces the host pasteboard on a
// UTI mismatch or hash change, unless echo-suppressed.
func (b *Bridge) pull(ctx context.Context) error {
	cc, err := b.client.ClipboardGet(ctx)
	if err != nil {
		if ge, ok := err.(*guestclient.Error); ok && ge.Kind == guestclient.ErrNoContent {
			return nil
		}
		return err
	}
	if cc.Content == "" {
		return nil
	}

	hash := sha256.Sum256([]byte(cc.Content))
	b.mu.Lock()
	skip := b.lastPushedHash == hash
	b.mu.Unlock()
	if skip {
		return nil
	}

	// The host pasteboard already holds this item: same UTI, same bytes.
	if cur, _, ok, err := b.pb.Read(); err == nil && ok && cur.UTI == cc.Type && sha256.Sum256(cur.Data) == hash {
		return nil
	}

	item := Item{Data: []byte(cc.Content), UTI: cc.Type}
	newChangeCount, err := b.pb.Write(item)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.lastPulledHash = hash
	b.lastChangeCount = newChangeCount
	b.haveLast = true
	b.mu.Unlock()
	return nil
}
