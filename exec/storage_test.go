// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
)

func TestStorageBasics(t *testing.T) {
	s := newStorage()
	s.register("shared", "x", "y")

	if werr := s.put("shared", "x", 1); werr != nil {
		t.Fatal(werr)
	}
	if v, werr := s.get("shared", "x"); werr != nil || v != 1 {
		t.Fatalf("got %v %v", v, werr)
	}
	// Last writer wins.
	if werr := s.put("shared", "x", 2); werr != nil {
		t.Fatal(werr)
	}
	if v, _ := s.get("shared", "x"); v != 2 {
		t.Fatalf("got %v, want 2", v)
	}
	// Unset variables read as nil.
	if v, werr := s.get("shared", "y"); werr != nil || v != nil {
		t.Fatalf("got %v %v", v, werr)
	}

	if _, werr := s.get("nope", "x"); werr == nil || werr.code != errNoSuchStorage {
		t.Errorf("got %v, want no such storage", werr)
	}
	if _, werr := s.get("shared", "z"); werr == nil || werr.code != errNoSuchVariable {
		t.Errorf("got %v, want no such variable", werr)
	}
	if werr := s.put("shared", "z", 0); werr == nil || werr.code != errNoSuchVariable {
		t.Errorf("got %v, want no such variable", werr)
	}

	// Registration is idempotent and preserves values.
	s.register("shared", "x")
	if v, _ := s.get("shared", "x"); v != 2 {
		t.Fatalf("got %v after re-register, want 2", v)
	}
}

func TestStorageFuzzValues(t *testing.T) {
	s := newStorage()
	s.register("shared", "v")
	fz := fuzz.New()
	fz.NilChance(0)
	for i := 0; i < 100; i++ {
		var want []string
		fz.Fuzz(&want)
		if werr := s.put("shared", "v", want); werr != nil {
			t.Fatal(werr)
		}
		got, werr := s.get("shared", "v")
		if werr != nil {
			t.Fatal(werr)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAccumulateSerialized(t *testing.T) {
	s := newStorage()
	s.register("shared", "sum")
	add := func(a, b interface{}) interface{} { return a.(int) + b.(int) }

	const (
		workers = 8
		rounds  = 500
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if werr := s.accumulate(add, "shared", "sum", 1); werr != nil {
					t.Error(werr)
					return
				}
			}
		}()
	}
	wg.Wait()
	v, werr := s.get("shared", "sum")
	if werr != nil {
		t.Fatal(werr)
	}
	if v != workers*rounds {
		t.Errorf("got %v, want %d", v, workers*rounds)
	}
}

func TestAccumulateTypeMismatch(t *testing.T) {
	s := newStorage()
	s.register("shared", "sum")
	add := func(a, b interface{}) interface{} { return a.(int) + b.(int) }
	if werr := s.accumulate(add, "shared", "sum", 1); werr != nil {
		t.Fatal(werr)
	}
	werr := s.accumulate(add, "shared", "sum", "not an int")
	if werr == nil || werr.code != errTypeMismatch {
		t.Fatalf("got %v, want type mismatch", werr)
	}
	// The variable keeps its last good value.
	if v, _ := s.get("shared", "sum"); v != 1 {
		t.Errorf("got %v, want 1", v)
	}
}

func TestMonitor(t *testing.T) {
	s := newStorage()
	s.register("shared", "x")
	done := make(chan error, 1)
	armed := make(chan struct{})
	go func() {
		close(armed)
		done <- s.monitor(context.Background(), "shared", "x")
	}()
	<-armed
	// Keep putting until the monitor wakes: the monitor may not have
	// armed its wait before the first put lands.
	timeout := time.After(30 * time.Second)
	for {
		if werr := s.put("shared", "x", 5); werr != nil {
			t.Fatal(werr)
		}
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
		case <-timeout:
			t.Fatal("monitor did not wake")
		case <-time.After(10 * time.Millisecond):
			continue
		}
		break
	}
	if err := s.monitor(context.Background(), "nope", "x"); err == nil {
		t.Error("expected error for unknown storage")
	}
}

func TestMonitorContext(t *testing.T) {
	s := newStorage()
	s.register("shared", "x")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.monitor(ctx, "shared", "x"); err != context.DeadlineExceeded {
		t.Fatalf("got %v", err)
	}
}
