// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestFutureSignal(t *testing.T) {
	f := newFuture()
	if f.Done() {
		t.Fatal("fresh future is done")
	}
	f.signal(42, nil)
	if !f.Done() {
		t.Fatal("signaled future is not done")
	}
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("got %v %v", v, err)
	}
	// Signaling is idempotent: later signals are ignored.
	f.signal(7, errors.New("late"))
	if v, err := f.Wait(context.Background()); err != nil || v != 42 {
		t.Fatalf("after re-signal: got %v %v", v, err)
	}
}

func TestFutureError(t *testing.T) {
	f := failedFuture(errors.E(errors.NotExist, "gone"))
	_, err := f.Wait(context.Background())
	if !errors.Is(errors.NotExist, err) {
		t.Fatalf("got %v", err)
	}
}

func TestFutureManyWaiters(t *testing.T) {
	f := newFuture()
	const n = 16
	var wg sync.WaitGroup
	results := make([]interface{}, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = f.Wait(context.Background())
		}()
	}
	f.signal("done", nil)
	wg.Wait()
	for i, v := range results {
		if v != "done" {
			t.Errorf("waiter %d got %v", i, v)
		}
	}
}

func TestFutureContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}
}
