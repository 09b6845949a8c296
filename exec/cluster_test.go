// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// freePort reserves an ephemeral port and releases it for the node
// under test to bind.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// runCluster runs one job across several in-process nodes, each with
// its own runtime, connected over real sockets. plan[i] lists node
// i's global thread ids; plan[0] is node 0.
func runCluster(t *testing.T, plan [][]int, main func(th *Thread) error) {
	t.Helper()
	port := freePort(t)
	total := 0
	for _, ids := range plan {
		total += len(ids)
	}
	node0 := NodeAddr{Host: "127.0.0.1", Port: port}
	var g errgroup.Group
	for i, ids := range plan {
		i, ids := i, ids
		current := NodeAddr{Host: "127.0.0.1", Port: 0}
		if i == 0 {
			current = node0
		}
		g.Go(func() error {
			err := Start(StartOptions{
				Main:           main,
				Node0:          node0,
				Current:        current,
				TotalThreads:   total,
				LocalThreadIDs: ids,
			})
			if err != nil {
				return fmt.Errorf("node %d: %v", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestClusterBarrier(t *testing.T) {
	const n = 4
	var entered int32
	runCluster(t, [][]int{{0, 1}, {2, 3}}, func(th *Thread) error {
		atomic.AddInt32(&entered, 1)
		if err := th.Global().Barrier(); err != nil {
			return err
		}
		if got := atomic.LoadInt32(&entered); got != n {
			return fmt.Errorf("barrier released with %d of %d entered", got, n)
		}
		return nil
	})
}

func TestClusterBroadcastAndGet(t *testing.T) {
	var mu sync.Mutex
	got := make(map[int]interface{})
	runCluster(t, [][]int{{0, 1}, {2, 3}}, func(th *Thread) error {
		th.Register("shared", "x", "id")
		if err := th.Put("shared", "id", th.ID()); err != nil {
			return err
		}
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 0 {
			if _, err := g.Broadcast("shared", "x", 99).Wait(th.Context()); err != nil {
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
		// Cross-node one-sided read: thread 3 reads thread 0's id.
		if th.ID() == 3 {
			v, err := th.GetFrom(0, "shared", "id").Wait(th.Context())
			if err != nil {
				return err
			}
			if v != 0 {
				return fmt.Errorf("remote get: %v, want 0", v)
			}
			_, err = th.GetFrom(0, "shared", "absent").Wait(th.Context())
			if !errors.Is(errors.NotExist, err) {
				return fmt.Errorf("expected NotExist, got %v", err)
			}
		}
		return nil
	})
	for id := 0; id < 4; id++ {
		if got[id] != 99 {
			t.Errorf("thread %d: got %v, want 99", id, got[id])
		}
	}
}

func TestClusterReduce(t *testing.T) {
	var result int64 = -1
	runCluster(t, [][]int{{0}, {1}, {2}}, func(th *Thread) error {
		th.Register("shared", "id")
		if err := th.Put("shared", "id", th.ID()); err != nil {
			return err
		}
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		// Originate away from the root to exercise the final-value
		// delivery hop.
		if th.ID() == 2 {
			v, err := g.Reduce("test.sum", "shared", "id").Wait(th.Context())
			if err != nil {
				return err
			}
			atomic.StoreInt64(&result, int64(v.(int)))
		}
		if err := g.Barrier(); err != nil {
			return err
		}
		return nil
	})
	if result != 3 {
		t.Errorf("got %d, want 3", result)
	}
}

func TestClusterCollect(t *testing.T) {
	var mu sync.Mutex
	var collected []interface{}
	runCluster(t, [][]int{{0, 1}, {2, 3}}, func(th *Thread) error {
		th.Register("shared", "v")
		if err := th.Put("shared", "v", fmt.Sprintf("t%d", th.ID())); err != nil {
			return err
		}
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 2 {
			v, err := g.Collect("shared", "v").Wait(th.Context())
			if err != nil {
				return err
			}
			mu.Lock()
			collected = v.([]interface{})
			mu.Unlock()
		}
		return g.Barrier()
	})
	if len(collected) != 4 {
		t.Fatalf("collected %d values", len(collected))
	}
	for i, v := range collected {
		if v != fmt.Sprintf("t%d", i) {
			t.Errorf("rank %d: got %v", i, v)
		}
	}
}

func TestClusterJoin(t *testing.T) {
	var mu sync.Mutex
	ranks := make(map[int]int)
	runCluster(t, [][]int{{0, 1}, {2, 3}}, func(th *Thread) error {
		g := th.Global()
		// Threads 1 and 2 (one per node) form a subgroup.
		if th.ID() == 1 || th.ID() == 2 {
			v, err := th.Join("H")
			if err != nil {
				return err
			}
			mu.Lock()
			ranks[th.ID()] = v.ID()
			mu.Unlock()
			if err := g.Barrier(); err != nil {
				return err
			}
			if v.Size() != 2 {
				return fmt.Errorf("subgroup size %d, want 2", v.Size())
			}
			// The subgroup's own barrier spans both nodes.
			return v.Barrier()
		}
		return g.Barrier()
	})
	if len(ranks) != 2 {
		t.Fatalf("ranks %v", ranks)
	}
	var got []int
	for _, rank := range ranks {
		got = append(got, rank)
	}
	sort.Ints(got)
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("ranks %v, want [0 1]", got)
	}
}

func TestClusterAsyncAt(t *testing.T) {
	runCluster(t, [][]int{{0, 1}, {2, 3}}, func(th *Thread) error {
		if err := th.Global().Barrier(); err != nil {
			return err
		}
		if th.ID() == 0 {
			v, err := th.AsyncAt(3, "test.addid", 10).Wait(th.Context())
			if err != nil {
				return err
			}
			if v != 13 {
				return fmt.Errorf("got %v, want 13", v)
			}
		}
		return th.Global().Barrier()
	})
}

func TestClusterAccumulate(t *testing.T) {
	var result int64 = -1
	runCluster(t, [][]int{{0, 1}, {2, 3}}, func(th *Thread) error {
		th.Register("shared", "sum")
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
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

// TestClusterFiveNodes exercises a deeper tree: five nodes, one
// thread each, barrier and reduce.
func TestClusterFiveNodes(t *testing.T) {
	var result int64 = -1
	runCluster(t, [][]int{{0}, {1}, {2}, {3}, {4}}, func(th *Thread) error {
		th.Register("shared", "id")
		if err := th.Put("shared", "id", th.ID()); err != nil {
			return err
		}
		g := th.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if th.ID() == 4 {
			v, err := g.Reduce("test.sum", "shared", "id").Wait(th.Context())
			if err != nil {
				return err
			}
			atomic.StoreInt64(&result, int64(v.(int)))
		}
		return g.Barrier()
	})
	if result != 10 {
		t.Errorf("got %d, want 10", result)
	}
}
