// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
)

func TestMap(t *testing.T) {
	m := NewMap()
	m.Int("a").Add(1)
	m.Int("a").Add(2)
	m.Int("b").Add(5)
	snap := m.Snapshot()
	if got, want := snap["a"], int64(3); got != want {
		t.Errorf("a: got %d, want %d", got, want)
	}
	if got, want := snap["b"], int64(5); got != want {
		t.Errorf("b: got %d, want %d", got, want)
	}
	if got, want := snap.String(), "a:3 b:5"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNilMap(t *testing.T) {
	var m *Map
	m.Int("x").Add(1) // must not panic
	if got := m.Snapshot(); len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestConcurrent(t *testing.T) {
	m := NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Int("n").Add(1)
			}
		}()
	}
	wg.Wait()
	if got, want := m.Int("n").Get(), int64(8000); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}
