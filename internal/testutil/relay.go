package testutil

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Relay copies between left and right until either side finishes or ctx
// ends, then closes both.
func Relay(ctx context.Context, left, right net.Conn) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// Closing both sides unblocks the copies.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	g := errgroup.Group{}
	copyTo := func(dst, src net.Conn) func() error {
		return func() error {
			_, err := io.Copy(dst, src)
			closeBoth()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
	g.Go(copyTo(left, right))
	g.Go(copyTo(right, left))

	return g.Wait()
}
