// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func init() {
	RegisterOp("test.sum", func(a, b interface{}) interface{} {
		return a.(int) + b.(int)
	})
	RegisterFunc("test.addid", func(t *Thread, arg interface{}) (interface{}, error) {
		return arg.(int) + t.ID(), nil
	})
	RegisterFunc("test.fail", func(t *Thread, arg interface{}) (interface{}, error) {
		panic("deliberate failure")
	})
}

// runLocal runs a single-node job with n threads and fails the test
// on job error.
func runLocal(t *testing.T, n int, main func(th *Thread) error) {
	t.Helper()
	if err := startLocal(n, main); err != nil {
		t.Fatal(err)
	}
}

func startLocal(n int, main func(th *Thread) error) error {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return Start(StartOptions{
		Main:           main,
		Node0:          NodeAddr{Host: "127.0.0.1", Port: 0},
		Current:        NodeAddr{Host: "127.0.0.1", Port: 0},
		TotalThreads:   n,
		LocalThreadIDs: ids,
	})
}

func TestBarrier(t *testing.T) {
	const n = 4
	var entered int32
	runLocal(t, n, func(th *Thread) error {
		atomic.AddInt32(&entered, 1)
		if err := th.Global().Barrier(); err != nil {
			return err
		}
		// No barrier resolves before every thread has entered.
		if got := atomic.LoadInt32(&entered); got != n {
			return fmt.Errorf("barrier released with %d of %d entered", got, n)
		}
		return nil
	})
}

func TestBarrierRounds(t *testing.T) {
	const (
		n      = 4
		rounds = 20
	)
	var phase int32
	runLocal(t, n, func(th *Thread) error {
		g := th.Global()
		for i := 0; i < rounds; i++ {
			if got := int(atomic.LoadInt32(&phase)); got != i {
				return fmt.Errorf("thread %d in round %d sees phase %d", th.ID(), i, got)
			}
			if err := g.Barrier(); err != nil {
				return err
			}
			// One thread advances the phase between barriers.
			if th.ID() == 0 {
				atomic.AddInt32(&phase, 1)
			}
			if err := g.Barrier(); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestBroadcast(t *testing.T) {
	const n = 4
	var mu sync.Mutex
	got := make(map[int]interface{})
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "x")
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 0 {
			if _, err := g.Broadcast("shared", "x", 42).Wait(th.Context()); err != nil {
				return err
			}
		}
		if err := g.Barrier(); err != nil {
			return err
		}
		v, err := th.Get("shared", "x")
		if err != nil {
			return err
		}
		mu.Lock()
		got[th.ID()] = v
		mu.Unlock()
		return nil
	})
	for id := 0; id < n; id++ {
		if got[id] != 42 {
			t.Errorf("thread %d: got %v, want 42", id, got[id])
		}
	}
}

func TestConcurrentBroadcast(t *testing.T) {
	const n = 4
	var mu sync.Mutex
	got := make(map[int]interface{})
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "x")
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 0 {
			if _, err := g.Broadcast("shared", "x", 42).Wait(th.Context()); err != nil {
				return err
			}
		}
		if th.ID() == 1 {
			if _, err := g.Broadcast("shared", "x", 7).Wait(th.Context()); err != nil {
				return err
			}
		}
		if err := g.Barrier(); err != nil {
			return err
		}
		v, err := th.Get("shared", "x")
		if err != nil {
			return err
		}
		mu.Lock()
		got[th.ID()] = v
		mu.Unlock()
		return nil
	})
	want := got[0]
	if want != 42 && want != 7 {
		t.Fatalf("got %v, want 42 or 7", want)
	}
	for id := 0; id < n; id++ {
		if got[id] != want {
			t.Errorf("mixed broadcast: thread %d sees %v, thread 0 sees %v", id, got[id], want)
		}
	}
}

func TestReduce(t *testing.T) {
	const n = 4
	var result int64 = -1
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "id")
		if err := th.Put("shared", "id", th.ID()); err != nil {
			return err
		}
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() != 0 {
			return nil
		}
		v, err := g.Reduce("test.sum", "shared", "id").Wait(th.Context())
		if err != nil {
			return err
		}
		atomic.StoreInt64(&result, int64(v.(int)))
		return nil
	})
	if result != 6 {
		t.Errorf("got %d, want 6", result)
	}
}

func TestCollect(t *testing.T) {
	const n = 4
	var mu sync.Mutex
	var collected []interface{}
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "id")
		if err := th.Put("shared", "id", th.ID()*10); err != nil {
			return err
		}
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() != 2 {
			return nil
		}
		v, err := g.Collect("shared", "id").Wait(th.Context())
		if err != nil {
			return err
		}
		mu.Lock()
		collected = v.([]interface{})
		mu.Unlock()
		return nil
	})
	if len(collected) != n {
		t.Fatalf("collected %d values", len(collected))
	}
	for i, v := range collected {
		if v != i*10 {
			t.Errorf("rank %d: got %v, want %d", i, v, i*10)
		}
	}
}

func TestGetPut(t *testing.T) {
	const n = 4
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "y")
		g := th.Global()
		if th.ID() == 0 {
			if err := th.Put("shared", "y", []int{1, 2, 3}); err != nil {
				return err
			}
		}
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 3 {
			v, err := th.GetFrom(0, "shared", "y").Wait(th.Context())
			if err != nil {
				return err
			}
			got := v.([]int)
			if len(got) != 3 || got[0] != 1 || got[2] != 3 {
				return fmt.Errorf("got %v, want [1 2 3]", got)
			}
			// Unregistered variables fail with a not-exist error.
			_, err = th.GetFrom(0, "shared", "unregistered").Wait(th.Context())
			if !errors.Is(errors.NotExist, err) {
				return fmt.Errorf("expected NotExist, got %v", err)
			}
			if !strings.Contains(err.Error(), "no such variable") {
				return fmt.Errorf("unexpected message: %v", err)
			}
			// A put writes through to the remote storage.
			if _, err := th.PutTo(1, "shared", "y", "hello").Wait(th.Context()); err != nil {
				return err
			}
			v, err = th.GetFrom(1, "shared", "y").Wait(th.Context())
			if err != nil {
				return err
			}
			if v != "hello" {
				return fmt.Errorf("got %v, want hello", v)
			}
		}
		return nil
	})
}

func TestAccumulate(t *testing.T) {
	const n = 4
	var result int64 = -1
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "sum")
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		// Every thread accumulates its id into thread 0's copy.
		if _, err := th.AccumulateTo(0, "test.sum", "shared", "sum", th.ID()).Wait(th.Context()); err != nil {
			return err
		}
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 0 {
			v, err := th.Get("shared", "sum")
			if err != nil {
				return err
			}
			atomic.StoreInt64(&result, int64(v.(int)))
		}
		return nil
	})
	if result != 6 {
		t.Errorf("got %d, want 6", result)
	}
}

func TestAsyncAt(t *testing.T) {
	const n = 4
	runLocal(t, n, func(th *Thread) error {
		if th.ID() != 0 {
			return nil
		}
		v, err := th.AsyncAt(3, "test.addid", 10).Wait(th.Context())
		if err != nil {
			return err
		}
		if v != 13 {
			return fmt.Errorf("got %v, want 13", v)
		}
		_, err = th.AsyncAt(2, "test.fail", nil).Wait(th.Context())
		if !errors.Is(errors.Remote, err) {
			return fmt.Errorf("expected remote error, got %v", err)
		}
		if !strings.Contains(err.Error(), "deliberate failure") {
			return fmt.Errorf("missing remote cause: %v", err)
		}
		return nil
	})
}

func TestGroupJoin(t *testing.T) {
	const n = 10
	var mu sync.Mutex
	ranks := make(map[int]int)
	runLocal(t, n, func(th *Thread) error {
		v, err := th.Join("G")
		if err != nil {
			return err
		}
		mu.Lock()
		ranks[th.ID()] = v.ID()
		mu.Unlock()
		// Wait for every join to complete before checking the
		// group's final shape.
		if err := th.Global().Barrier(); err != nil {
			return err
		}
		if got := v.Size(); got != n {
			return fmt.Errorf("group size %d, want %d", got, n)
		}
		// Mappings are mutually inverse for every member.
		for rank := 0; rank < n; rank++ {
			global, err := v.Group().GlobalThreadID(rank)
			if err != nil {
				return err
			}
			back, err := v.Group().GroupThreadID(global)
			if err != nil {
				return err
			}
			if back != rank {
				return fmt.Errorf("rank %d -> global %d -> rank %d", rank, global, back)
			}
		}
		// And the subgroup's own collectives work.
		return v.Barrier()
	})
	var got []int
	for _, rank := range ranks {
		got = append(got, rank)
	}
	sort.Ints(got)
	for i, rank := range got {
		if rank != i {
			t.Fatalf("ranks %v: want dense 0..%d", got, n-1)
		}
	}
}

func TestRejoin(t *testing.T) {
	runLocal(t, 2, func(th *Thread) error {
		v1, err := th.Join("again")
		if err != nil {
			return err
		}
		v2, err := th.Join("again")
		if err != nil {
			return err
		}
		if v1.ID() != v2.ID() || v1.Group() != v2.Group() {
			return fmt.Errorf("rejoin changed membership: %d vs %d", v1.ID(), v2.ID())
		}
		return nil
	})
}

func TestMonitorRemotePut(t *testing.T) {
	const n = 2
	woken := make(chan struct{})
	runLocal(t, n, func(th *Thread) error {
		th.Register("shared", "x")
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		switch th.ID() {
		case 1:
			if err := th.Monitor(th.Context(), "shared", "x"); err != nil {
				return err
			}
			v, err := th.Get("shared", "x")
			if err != nil {
				return err
			}
			if v != 5 {
				return fmt.Errorf("got %v, want 5", v)
			}
			close(woken)
		case 0:
			// Keep putting until the monitor observes a put; the
			// monitor may arm after our first put lands.
			for {
				if _, err := th.PutTo(1, "shared", "x", 5).Wait(th.Context()); err != nil {
					return err
				}
				select {
				case <-woken:
					return nil
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
		return nil
	})
}

func TestUserError(t *testing.T) {
	err := startLocal(4, func(th *Thread) error {
		if th.ID() == 2 {
			return errors.New("user failure on thread 2")
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "user failure on thread 2") {
		t.Fatalf("got %v", err)
	}
}

func TestUserPanic(t *testing.T) {
	err := startLocal(2, func(th *Thread) error {
		if th.ID() == 1 {
			panic("thread panic")
		}
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "thread panic") {
		t.Fatalf("got %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	err := Start(StartOptions{})
	if !errors.Is(errors.Precondition, err) {
		t.Fatalf("got %v", err)
	}
	err = Start(StartOptions{
		Main:           func(*Thread) error { return nil },
		TotalThreads:   1,
		LocalThreadIDs: []int{0, 1},
	})
	if !errors.Is(errors.Precondition, err) {
		t.Fatalf("got %v", err)
	}
}
