// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
)

// A requestTable allocates monotonic request numbers for one thread
// and one message kind and holds the in-flight requests' futures. A
// request is removed exactly once, when its future is signaled.
type requestTable struct {
	mu   sync.Mutex
	next int
	m    map[int]*Future
}

func (t *requestTable) init() {
	t.m = make(map[int]*Future)
}

func (t *requestTable) create() (int, *Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	f := newFuture()
	t.m[t.next] = f
	return t.next, f
}

// remove claims the request's future, or nil if it was already
// claimed or never existed.
func (t *requestTable) remove(req int) *Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := t.m[req]
	delete(t.m, req)
	return f
}

// A Thread is one logical SPMD execution context: the per-thread
// state that the source system kept behind per-thread classloaders.
// The runtime passes each local thread its own Thread; user code
// reaches all pgas operations through it.
type Thread struct {
	r        *Runtime
	globalID int
	storage  *Storage
	global   *GroupView

	mu    sync.Mutex
	views map[int]*GroupView

	gets    requestTable
	puts    requestTable
	accs    requestTable
	asyncs  requestTable
	joinReq requestTable
}

func newThread(r *Runtime, globalID int, global *Group) *Thread {
	t := &Thread{
		r:        r,
		globalID: globalID,
		storage:  newStorage(),
		views:    make(map[int]*GroupView),
	}
	t.gets.init()
	t.puts.init()
	t.accs.init()
	t.asyncs.init()
	t.joinReq.init()
	// In the global group, a thread's group id is its global id.
	t.global = &GroupView{g: global, t: t, groupThreadID: globalID}
	t.views[global.id] = t.global
	return t
}

// ID returns the thread's global id.
func (t *Thread) ID() int { return t.globalID }

// ThreadCount returns the job-wide thread count.
func (t *Thread) ThreadCount() int { return t.r.totalThreads }

// Global returns the thread's view of the global group.
func (t *Thread) Global() *GroupView { return t.global }

// Context returns a context that is canceled when the job aborts.
func (t *Thread) Context() context.Context { return t.r.ctx }

// viewOf returns the thread's view of g, creating it if needed.
func (t *Thread) viewOf(g *Group, groupThreadID int) *GroupView {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.views[g.id]; ok {
		return v
	}
	v := &GroupView{g: g, t: t, groupThreadID: groupThreadID}
	t.views[g.id] = v
	return v
}

// Register creates the named storage, if needed, and the named
// variables within it. Registration is idempotent.
func (t *Thread) Register(storage string, names ...string) {
	t.storage.register(storage, names...)
}

// Put stores a value in the thread's own storage.
func (t *Thread) Put(storage, name string, v interface{}) error {
	return t.storage.put(storage, name, v).Err()
}

// Get reads a value from the thread's own storage.
func (t *Thread) Get(storage, name string) (interface{}, error) {
	v, werr := t.storage.get(storage, name)
	return v, werr.Err()
}

// Accumulate composes the registered op with the thread's own copy of
// the variable. Accumulations are serialized per variable.
func (t *Thread) Accumulate(opName, storage, name string, v interface{}) error {
	op, ok := lookupOp(opName)
	if !ok {
		return unknownOpErr(opName)
	}
	return t.storage.accumulate(op, storage, name, v).Err()
}

// Monitor blocks until the next put to the named variable.
func (t *Thread) Monitor(ctx context.Context, storage, name string) error {
	return t.storage.monitor(ctx, storage, name)
}
