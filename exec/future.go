// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
)

// A Future is a one-shot completion slot carrying a value or an
// error. Futures are signaled by the collective state engine when a
// request completes; signaling is idempotent and releases all
// waiters. Every asynchronous operation on a Thread or GroupView
// returns a Future.
type Future struct {
	mu   sync.Mutex
	done bool
	val  interface{}
	err  error
	c    chan struct{}
}

func newFuture() *Future {
	return &Future{c: make(chan struct{})}
}

// failedFuture returns a future that has already completed with err.
func failedFuture(err error) *Future {
	f := newFuture()
	f.signal(nil, err)
	return f
}

// signal completes the future. Only the first call has any effect.
func (f *Future) signal(val interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.done = true
	f.val, f.err = val, err
	close(f.c)
}

// Done tells whether the future has completed.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Wait blocks until the future completes or the context is done,
// returning the future's value and error.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.c:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
