package wire

import (
	"context"
	"time"
)

// aLongTimeAgo is a deadline that has already passed, used to unblock a
// pending Read or Write.
var aLongTimeAgo = time.Unix(1, 0)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func readDeadlineFunc(r any) func(time.Time) error {
	if d, ok := r.(readDeadliner); ok {
		return d.SetReadDeadline
	}
	return nil
}

func writeDeadlineFunc(w any) func(time.Time) error {
	if d, ok := w.(writeDeadliner); ok {
		return d.SetWriteDeadline
	}
	return nil
}

// runWithContext runs op until it returns or ctx ends.
//
// With a deadline-capable stream the context deadline is applied to the
// stream and cancellation forces the deadline into the past, so op always
// returns before runWithContext does. Without one, op keeps running in the
// background after cancellation and the stream must be discarded.
func runWithContext(ctx context.Context, setDeadline func(time.Time) error, op func() error) error {
	if ctx.Done() == nil {
		return op()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if setDeadline != nil {
		if dl, ok := ctx.Deadline(); ok {
			_ = setDeadline(dl)
		}

		stop := make(chan struct{})
		watcher := make(chan struct{})
		go func() {
			defer close(watcher)
			select {
			case <-ctx.Done():
				_ = setDeadline(aLongTimeAgo)
			case <-stop:
			}
		}()

		err := op()
		close(stop)
		<-watcher
		if err == nil || ctx.Err() == nil {
			_ = setDeadline(time.Time{})
		}
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- op()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
