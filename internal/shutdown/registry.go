package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Disposable is a resource released during cleanup.
type Disposable interface {
	Name() string
	Dispose(ctx context.Context) error
}

type disposeFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (d disposeFunc) Name() string                      { return d.name }
func (d disposeFunc) Dispose(ctx context.Context) error { return d.fn(ctx) }

// DisposeFunc adapts a function to a Disposable.
func DisposeFunc(name string, fn func(ctx context.Context) error) Disposable {
	return disposeFunc{name: name, fn: fn}
}

// Closer adapts anything with Close() error.
func Closer(name string, c interface{ Close() error }) Disposable {
	return DisposeFunc(name, func(context.Context) error { return c.Close() })
}

// Registry is a stack of disposables.
type Registry struct {
	mu    sync.Mutex
	items []Disposable
}

// Push registers d; it will be disposed before everything pushed earlier.
func (r *Registry) Push(d Disposable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, d)
}

// Len returns the number of registered disposables.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// DisposeAll disposes every registered item in reverse registration order
// and empties the registry. Each disposal is isolated: an error, panic or
// timeout is reported to onErr and the remaining items still run. When ctx
// has a deadline, DisposeAll returns by it even if a Dispose ignores ctx.
// It returns how many items were disposed and how many of those failed.
func (r *Registry) DisposeAll(ctx context.Context, onErr func(name string, err error)) (disposed, failed int) {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		d := items[i]
		disposed++
		if err := disposeWithin(ctx, d, i+1); err != nil {
			failed++
			if onErr != nil {
				onErr(d.Name(), err)
			}
		}
	}
	return disposed, failed
}

// disposeWithin gives d an equal share of the time left before ctx's
// deadline, so a stuck disposal cannot starve the ones after it. A Dispose
// still running at its deadline is abandoned.
func disposeWithin(ctx context.Context, d Disposable, left int) error {
	itemCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, time.Until(deadline)/time.Duration(left))
		defer cancel()
	}

	result := make(chan error, 1)
	go func() { result <- safeDispose(itemCtx, d) }()
	select {
	case err := <-result:
		return err
	case <-itemCtx.Done():
		return errPhaseTimeout
	}
}

func safeDispose(ctx context.Context, d Disposable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Dispose(ctx)
}
