package vtransport

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"
)

// PipeBidirectional concurrently copies a→b and b→a until either side
// reaches EOF or a disconnect, then half-closes the write side of the
// opposite descriptor to propagate EOF onward, per spec.md §4.1. It joins
// both copy goroutines with golang.org/x/sync/errgroup — the direct Go
// equivalent of "concurrently copies... returns the joined result."
// Cancelling ctx closes both connections, unblocking any in-flight read.
func PipeBidirectional(ctx context.Context, a, b *Connection) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()

	g.Go(func() error { return copyAndHalfClose(a, b) })
	g.Go(func() error { return copyAndHalfClose(b, a) })

	if err := g.Wait(); err != nil && !IsExpectedDisconnect(err) {
		return err
	}
	return nil
}

// copyAndHalfClose copies from src to dst until EOF or error, then
// half-closes dst's write side so the peer on dst's other end observes EOF.
func copyAndHalfClose(dst, src *Connection) error {
	buf := make([]byte, CopyBufferSize)
	_, err := io.CopyBuffer(writerFor(dst), readerFor(src), buf)
	dst.CloseWrite()
	if err != nil && !IsExpectedDisconnect(err) {
		return err
	}
	return nil
}

// readerFor/writerFor adapt *Connection to io.Reader/io.Writer using a
// background context — PipeBidirectional's own cancellation closes the
// descriptors directly rather than relying on per-call deadlines.
func readerFor(c *Connection) io.Reader { return connReader{c} }
func writerFor(c *Connection) io.Writer { return connWriter{c} }

type connReader struct{ c *Connection }

func (r connReader) Read(p []byte) (int, error) {
	b, err := r.c.Read(context.Background(), len(p))
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

type connWriter struct{ c *Connection }

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.c.WriteAll(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
