// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sort"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// Collect gathers the named variable from every member into a slice
// indexed by group-thread id. Like reduce, the request flows down
// the tree and values flow up; unlike reduce, values stay tagged
// with their member's id so the root can order them.

type collectStates struct {
	mu     sync.Mutex
	next   int
	states map[collKey]*collectState
}

type collectState struct {
	key collKey
	fut *Future

	mu              sync.Mutex
	pendingChildren int
	started         bool
	items           []collectItem
	err             *wireError
}

type collectItem struct {
	tid  int
	blob []byte
}

func (s *collectStates) init() {
	s.states = make(map[collKey]*collectState)
}

func (s *collectStates) create(requester int) *collectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	st := &collectState{key: collKey{s.next, requester}, fut: newFuture()}
	s.states[st.key] = st
	return st
}

func (s *collectStates) getOrCreate(key collKey) *collectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &collectState{key: key}
		s.states[key] = st
	}
	return st
}

func (s *collectStates) remove(key collKey) *collectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	delete(s.states, key)
	return st
}

// Collect asynchronously gathers the named variable from every group
// member. The future yields a []interface{} in ascending
// group-thread-id order.
func (v *GroupView) Collect(storage, name string) *Future {
	g := v.g
	st := g.collect.create(v.t.globalID)
	master, _, _, _ := g.topology()
	m := &collectRequestMsg{
		groupID:   g.id,
		req:       st.key.req,
		requester: st.key.requester,
		storage:   storage,
		name:      name,
	}
	if err := g.r.sendToNode(master, m); err != nil {
		if claimed := g.collect.remove(st.key); claimed != nil {
			claimed.fut.signal(nil, err)
		}
	}
	return st.fut
}

func (r *Runtime) startCollect(g *Group, key collKey, storage, name string) {
	st := g.collect.getOrCreate(key)
	_, _, children, localIDs := g.topology()
	st.mu.Lock()
	st.pendingChildren = len(children)
	st.mu.Unlock()
	for _, child := range children {
		m := &collectRequestMsg{
			groupID:   g.id,
			req:       key.req,
			requester: key.requester,
			storage:   storage,
			name:      name,
		}
		if err := r.sendToNode(child, m); err != nil {
			log.Error.Printf("pgas: collect forward: %v", err)
		}
	}

	var (
		items []collectItem
		werr  *wireError
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
		blob, err := wire.EncodeObject(val)
		if err != nil {
			werr = userError(err)
			break
		}
		items = append(items, collectItem{tid: tid, blob: blob})
	}

	st.mu.Lock()
	st.started = true
	if st.err == nil {
		if werr != nil {
			st.err = werr
		} else {
			st.items = append(st.items, items...)
		}
	}
	done := st.pendingChildren == 0
	st.mu.Unlock()
	if done {
		r.completeCollect(g, st)
	}
}

func (r *Runtime) completeCollect(g *Group, st *collectState) {
	st.mu.Lock()
	items, werr := st.items, st.err
	st.mu.Unlock()
	_, parent, _, _ := g.topology()
	if parent >= 0 {
		if st.fut == nil {
			g.collect.remove(st.key)
		}
		m := &collectValueMsg{
			groupID:   g.id,
			req:       st.key.req,
			requester: st.key.requester,
			err:       werr,
			items:     items,
		}
		if err := r.sendToNode(parent, m); err != nil {
			log.Error.Printf("pgas: collect value: %v", err)
		}
		return
	}
	home, herr := r.homeOf(st.key.requester)
	if herr != nil {
		log.Error.Printf("pgas: collect complete: %v", herr)
		return
	}
	if home == r.currentPhysicalID() {
		if claimed := g.collect.remove(st.key); claimed != nil && claimed.fut != nil {
			val, err := assembleCollect(items, werr)
			claimed.fut.signal(val, err)
		}
		return
	}
	if st.fut == nil {
		g.collect.remove(st.key)
	}
	m := &collectValueMsg{
		groupID:   g.id,
		req:       st.key.req,
		requester: st.key.requester,
		final:     true,
		err:       werr,
		items:     items,
	}
	if err := r.sendToNode(home, m); err != nil {
		log.Error.Printf("pgas: collect complete: %v", err)
	}
}

// assembleCollect decodes the gathered items in ascending
// group-thread-id order.
func assembleCollect(items []collectItem, werr *wireError) (interface{}, error) {
	if werr != nil {
		return nil, werr.Err()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].tid < items[j].tid })
	vals := make([]interface{}, len(items))
	for i, item := range items {
		val, err := wire.DecodeObjectBytes(item.blob)
		if err != nil {
			return nil, err
		}
		vals[i] = val
	}
	return vals, nil
}

// collectRequestMsg propagates a collect down the tree.
type collectRequestMsg struct {
	groupID   int
	req       int
	requester int
	storage   string
	name      string
}

func (m *collectRequestMsg) Kind() byte { return kindCollectRequest }

func (m *collectRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteString(m.storage); err != nil {
		return err
	}
	return w.WriteString(m.name)
}

func (m *collectRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
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
	r.startCollect(g, collKey{int(req), int(requester)}, storage, name)
	return nil
}

// collectValueMsg carries tagged values up the tree, or, with final
// set, the complete collection to the originator.
type collectValueMsg struct {
	groupID   int
	req       int
	requester int
	final     bool
	err       *wireError
	items     []collectItem
}

func (m *collectValueMsg) Kind() byte { return kindCollectValue }

func (m *collectValueMsg) Encode(w *wire.Writer) error {
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
	if err := writeError(w, m.err.orNil()); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(len(m.items))); err != nil {
		return err
	}
	for _, item := range m.items {
		if err := w.WriteInt32(int32(item.tid)); err != nil {
			return err
		}
		if err := w.WriteBytes(item.blob); err != nil {
			return err
		}
	}
	return nil
}

func (m *collectValueMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
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
	werr, err := readError(d)
	if err != nil {
		return err
	}
	n, err := d.ReadInt32()
	if err != nil {
		return err
	}
	items := make([]collectItem, n)
	for i := range items {
		tid, err := d.ReadInt32()
		if err != nil {
			return err
		}
		items[i].tid = int(tid)
		if items[i].blob, err = d.ReadBytes(); err != nil {
			return err
		}
	}
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	key := collKey{int(req), int(requester)}
	if final {
		if st := g.collect.remove(key); st != nil && st.fut != nil {
			val, aerr := assembleCollect(items, werr)
			st.fut.signal(val, aerr)
		}
		return nil
	}
	st := g.collect.getOrCreate(key)
	st.mu.Lock()
	if st.err == nil {
		if werr != nil {
			st.err = werr
		} else {
			st.items = append(st.items, items...)
		}
	}
	st.pendingChildren--
	done := st.started && st.pendingChildren == 0
	st.mu.Unlock()
	if done {
		r.completeCollect(g, st)
	}
	return nil
}
