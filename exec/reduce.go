// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// Reduce flow: the request travels from the originator to the root
// and then down the tree. Every node folds its local members' values
// with the registered op, waits for a partial from each child, folds
// those in, and reports one partial to its parent. The root's final
// value travels directly to the originator's node.

type reduceStates struct {
	mu     sync.Mutex
	next   int
	states map[collKey]*reduceState
}

type reduceState struct {
	key collKey
	fut *Future // non-nil only at the originator

	mu              sync.Mutex
	op              Op
	pendingChildren int
	started         bool
	has             bool
	acc             interface{}
	err             *wireError
}

func (s *reduceStates) init() {
	s.states = make(map[collKey]*reduceState)
}

func (s *reduceStates) create(requester int) *reduceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	st := &reduceState{key: collKey{s.next, requester}, fut: newFuture()}
	s.states[st.key] = st
	return st
}

func (s *reduceStates) getOrCreate(key collKey) *reduceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &reduceState{key: key}
		s.states[key] = st
	}
	return st
}

func (s *reduceStates) remove(key collKey) *reduceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	delete(s.states, key)
	return st
}

// Reduce asynchronously folds the named variable across all group
// members using the registered op. The future yields the aggregate.
func (v *GroupView) Reduce(opName, storage, name string) *Future {
	if _, ok := lookupOp(opName); !ok {
		return failedFuture(unknownOpErr(opName))
	}
	g := v.g
	st := g.reduce.create(v.t.globalID)
	master, _, _, _ := g.topology()
	m := &reduceRequestMsg{
		groupID:   g.id,
		req:       st.key.req,
		requester: st.key.requester,
		opName:    opName,
		storage:   storage,
		name:      name,
	}
	if err := g.r.sendToNode(master, m); err != nil {
		if claimed := g.reduce.remove(st.key); claimed != nil {
			claimed.fut.signal(nil, err)
		}
	}
	return st.fut
}

// startReduce runs the down-phase on this node: forward the request,
// fold the local members' values, and complete if no children are
// pending.
func (r *Runtime) startReduce(g *Group, key collKey, opName, storage, name string) {
	op, ok := lookupOp(opName)
	if !ok {
		// Registries are SPMD-identical, so this indicates a
		// misconfigured job; the originator already failed fast.
		log.Error.Printf("pgas: reduce: unregistered op %s", opName)
		return
	}
	st := g.reduce.getOrCreate(key)
	_, _, children, localIDs := g.topology()
	st.mu.Lock()
	st.op = op
	st.pendingChildren = len(children)
	st.mu.Unlock()
	for _, child := range children {
		m := &reduceRequestMsg{
			groupID:   g.id,
			req:       key.req,
			requester: key.requester,
			opName:    opName,
			storage:   storage,
			name:      name,
		}
		if err := r.sendToNode(child, m); err != nil {
			log.Error.Printf("pgas: reduce forward: %v", err)
		}
	}

	// Fold local members in ascending group-thread-id order.
	var (
		has  bool
		acc  interface{}
		werr *wireError
	)
	for _, tid := range localIDs {
		global, err := g.GlobalThreadID(tid)
		if err != nil {
			werr = unknownThread(tid)
			break
		}
		th := r.threadByID(global)
		if th == nil {
			werr = unknownThread(global)
			break
		}
		val, verr := th.storage.get(storage, name)
		if verr != nil {
			werr = verr
			break
		}
		if !has {
			has, acc = true, val
			continue
		}
		acc, werr = applyOp(op, acc, val, storage, name)
		if werr != nil {
			break
		}
	}

	st.mu.Lock()
	st.started = true
	st.combineLocked(op, has, acc, werr, storage, name)
	done := st.pendingChildren == 0
	st.mu.Unlock()
	if done {
		r.completeReduce(g, st)
	}
}

// applyOp folds two values, converting an op panic into a type
// mismatch.
func applyOp(op Op, a, b interface{}, storage, name string) (v interface{}, werr *wireError) {
	defer func() {
		if e := recover(); e != nil {
			v, werr = nil, typeMismatch(storage, name, e)
		}
	}()
	return op(a, b), nil
}

// combineLocked merges a partial (or error) into the accumulator.
// st.mu must be held.
func (st *reduceState) combineLocked(op Op, has bool, val interface{}, werr *wireError, storage, name string) {
	if st.err != nil {
		return
	}
	if werr != nil {
		st.err = werr
		return
	}
	if !has {
		return
	}
	if !st.has {
		st.has, st.acc = true, val
		return
	}
	st.acc, st.err = applyOp(op, st.acc, val, storage, name)
}

// completeReduce reports this node's partial to its parent, or, at
// the root, delivers the final value to the originator.
func (r *Runtime) completeReduce(g *Group, st *reduceState) {
	st.mu.Lock()
	has, acc, werr := st.has, st.acc, st.err
	st.mu.Unlock()
	_, parent, _, _ := g.topology()
	if parent >= 0 {
		if st.fut == nil {
			g.reduce.remove(st.key)
		}
		r.sendReduceValue(g, st.key, parent, false, has, acc, werr)
		return
	}
	home, herr := r.homeOf(st.key.requester)
	if herr != nil {
		log.Error.Printf("pgas: reduce complete: %v", herr)
		return
	}
	if home == r.currentPhysicalID() {
		if claimed := g.reduce.remove(st.key); claimed != nil && claimed.fut != nil {
			claimed.fut.signal(acc, werr.Err())
		}
		return
	}
	if st.fut == nil {
		g.reduce.remove(st.key)
	}
	r.sendReduceValue(g, st.key, home, true, has, acc, werr)
}

func (r *Runtime) sendReduceValue(g *Group, key collKey, node int, final, has bool, acc interface{}, werr *wireError) {
	var (
		blob []byte
		err  error
	)
	if werr == nil && has {
		if blob, err = wire.EncodeObject(acc); err != nil {
			werr = userError(err)
		}
	}
	m := &reduceValueMsg{
		groupID:   g.id,
		req:       key.req,
		requester: key.requester,
		final:     final,
		has:       has,
		err:       werr,
		value:     blob,
	}
	if err := r.sendToNode(node, m); err != nil {
		log.Error.Printf("pgas: reduce value: %v", err)
	}
}

// reduceRequestMsg propagates a reduce down the tree.
type reduceRequestMsg struct {
	groupID   int
	req       int
	requester int
	opName    string
	storage   string
	name      string
}

func (m *reduceRequestMsg) Kind() byte { return kindReduceRequest }

func (m *reduceRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteString(m.opName); err != nil {
		return err
	}
	if err := w.WriteString(m.storage); err != nil {
		return err
	}
	return w.WriteString(m.name)
}

func (m *reduceRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	groupID, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	opName, err := d.ReadString()
	if err != nil {
		return err
	}
	storage, err := d.ReadString()
	if err != nil {
		return err
	}
	name, err := d.ReadString()
	if err != nil {
		return err
	}
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	r.startReduce(g, collKey{int(req), int(requester)}, opName, storage, name)
	return nil
}

// reduceValueMsg carries a partial up the tree, or, with final set,
// the root's aggregate to the originator.
type reduceValueMsg struct {
	groupID   int
	req       int
	requester int
	final     bool
	has       bool
	err       *wireError
	value     []byte
}

func (m *reduceValueMsg) Kind() byte { return kindReduceValue }

func (m *reduceValueMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteBool(m.final); err != nil {
		return err
	}
	if err := w.WriteBool(m.has); err != nil {
		return err
	}
	if err := writeError(w, m.err.orNil()); err != nil {
		return err
	}
	return w.WriteObjectBytes(m.value)
}

func (m *reduceValueMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	groupID, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	final, err := d.ReadBool()
	if err != nil {
		return err
	}
	has, err := d.ReadBool()
	if err != nil {
		return err
	}
	werr, err := readError(d)
	if err != nil {
		return err
	}
	blob, err := d.ReadObjectBytes()
	if err != nil {
		return err
	}
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	key := collKey{int(req), int(requester)}
	var val interface{}
	if werr == nil && has {
		if val, err = wire.DecodeObjectBytes(blob); err != nil {
			werr = userError(err)
		}
	}
	if final {
		if st := g.reduce.remove(key); st != nil && st.fut != nil {
			st.fut.signal(val, werr.Err())
		}
		return nil
	}
	st := g.reduce.getOrCreate(key)
	st.mu.Lock()
	st.combineLocked(st.op, has, val, werr, "", "")
	st.pendingChildren--
	done := st.started && st.pendingChildren == 0
	st.mu.Unlock()
	if done {
		r.completeReduce(g, st)
	}
	return nil
}
