// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"

	"github.com/spaolacci/murmur3"
)

// nstripe is the number of lock stripes per storage. Striping keeps
// unrelated variables in a hot storage from contending on one lock.
const nstripe = 16

// A Storage holds one thread's shared variables: a mapping from
// storage name to named variables. Remote gets, puts and accumulates
// and broadcast delivery all land here. Puts are last-writer-wins
// per variable; accumulates are serialized per variable.
type Storage struct {
	mu    sync.RWMutex
	areas map[string]*storageArea
}

type storageArea struct {
	stripes [nstripe]storageStripe
}

type storageStripe struct {
	mu   sync.Mutex
	vars map[string]*variable
}

type variable struct {
	mu    sync.Mutex
	val   interface{}
	set   bool
	waitc chan struct{} // non-nil while a monitor is armed
}

func newStorage() *Storage {
	return &Storage{areas: make(map[string]*storageArea)}
}

func stripeOf(name string) uint32 {
	return murmur3.Sum32([]byte(name)) % nstripe
}

// register creates the named storage and variables. Registering an
// existing variable is a no-op.
func (s *Storage) register(storage string, names ...string) {
	s.mu.Lock()
	area := s.areas[storage]
	if area == nil {
		area = new(storageArea)
		for i := range area.stripes {
			area.stripes[i].vars = make(map[string]*variable)
		}
		s.areas[storage] = area
	}
	s.mu.Unlock()
	for _, name := range names {
		st := &area.stripes[stripeOf(name)]
		st.mu.Lock()
		if st.vars[name] == nil {
			st.vars[name] = new(variable)
		}
		st.mu.Unlock()
	}
}

// lookup resolves a variable, reporting which of the two levels is
// missing.
func (s *Storage) lookup(storage, name string) (*variable, *wireError) {
	s.mu.RLock()
	area := s.areas[storage]
	s.mu.RUnlock()
	if area == nil {
		return nil, noSuchStorage(storage)
	}
	st := &area.stripes[stripeOf(name)]
	st.mu.Lock()
	v := st.vars[name]
	st.mu.Unlock()
	if v == nil {
		return nil, noSuchVariable(storage, name)
	}
	return v, nil
}

func (s *Storage) put(storage, name string, val interface{}) *wireError {
	v, werr := s.lookup(storage, name)
	if werr != nil {
		return werr
	}
	v.mu.Lock()
	v.val, v.set = val, true
	if v.waitc != nil {
		close(v.waitc)
		v.waitc = nil
	}
	v.mu.Unlock()
	return nil
}

func (s *Storage) get(storage, name string) (interface{}, *wireError) {
	v, werr := s.lookup(storage, name)
	if werr != nil {
		return nil, werr
	}
	v.mu.Lock()
	val := v.val
	v.mu.Unlock()
	return val, nil
}

// accumulate composes op with the variable's current value, holding
// the variable's lock across the composition so that concurrent
// accumulates serialize. The first accumulate of an unset variable
// stores the value directly. A panicking op reports a type mismatch.
func (s *Storage) accumulate(op Op, storage, name string, val interface{}) (werr *wireError) {
	v, werr := s.lookup(storage, name)
	if werr != nil {
		return werr
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	defer func() {
		if e := recover(); e != nil {
			werr = typeMismatch(storage, name, e)
		}
	}()
	if !v.set {
		v.val, v.set = val, true
	} else {
		v.val = op(v.val, val)
	}
	if v.waitc != nil {
		close(v.waitc)
		v.waitc = nil
	}
	return nil
}

// monitor blocks until the next put or accumulate on the variable,
// or until the context is done.
func (s *Storage) monitor(ctx context.Context, storage, name string) error {
	v, werr := s.lookup(storage, name)
	if werr != nil {
		return werr.Err()
	}
	v.mu.Lock()
	if v.waitc == nil {
		v.waitc = make(chan struct{})
	}
	waitc := v.waitc
	v.mu.Unlock()
	select {
	case <-waitc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
