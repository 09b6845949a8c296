// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// Broadcast flow: the originator sends the value to the group's root,
// which floods it down the tree. Each node forwards the still-encoded
// blob to its children, decodes a fresh copy into every local
// member's storage, and acknowledges upward once its own delivery and
// all child subtrees are done. The root then informs the originator's
// node, which completes the originator's future.

// collKey identifies a collective request: the request number is
// unique per (group, kind, requester).
type collKey struct {
	req       int
	requester int
}

type broadcastStates struct {
	mu     sync.Mutex
	next   int
	states map[collKey]*broadcastState

	// Root-side delivery sequencing: seq orders all broadcasts on the
	// group, and lastSeq records, per variable, the newest sequence a
	// node has applied. Concurrent broadcasts to one variable then
	// converge to the same value on every node regardless of handler
	// scheduling.
	seq       int
	lastSeq   map[string]int
	deliverMu sync.Mutex // serializes local delivery loops
}

type broadcastState struct {
	key     collKey
	pending int32   // 1 (local delivery) + #children acks
	fut     *Future // non-nil only at the originator
}

func (s *broadcastStates) init() {
	s.states = make(map[collKey]*broadcastState)
	s.lastSeq = make(map[string]int)
}

// nextSeq allocates the next delivery sequence number; root only.
func (s *broadcastStates) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// admit tells whether a delivery with the given sequence should be
// applied to the named variable, recording it as newest if so.
func (s *broadcastStates) admit(key string, seq int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.lastSeq[key] {
		return false
	}
	s.lastSeq[key] = seq
	return true
}

// create allocates an originator-side state with a fresh request
// number.
func (s *broadcastStates) create(requester int) *broadcastState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	st := &broadcastState{key: collKey{s.next, requester}, fut: newFuture()}
	s.states[st.key] = st
	return st
}

// getOrCreate returns the state for key, creating a forwarding-only
// state when this node is not the originator.
func (s *broadcastStates) getOrCreate(key collKey) *broadcastState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &broadcastState{key: key}
		s.states[key] = st
	}
	return st
}

func (s *broadcastStates) lookup(key collKey) *broadcastState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

func (s *broadcastStates) remove(key collKey) *broadcastState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[key]
	delete(s.states, key)
	return st
}

// Broadcast asynchronously stores val into the named variable of
// every group member. The returned future completes when the value
// has been delivered on every member node.
func (v *GroupView) Broadcast(storage, name string, val interface{}) *Future {
	blob, err := wire.EncodeObject(val)
	if err != nil {
		return failedFuture(err)
	}
	g := v.g
	st := g.broadcast.create(v.t.globalID)
	master, _, _, _ := g.topology()
	m := &broadcastRequestMsg{
		groupID:   g.id,
		req:       st.key.req,
		requester: v.t.globalID,
		storage:   storage,
		name:      name,
		value:     blob,
	}
	if err := g.r.sendToNode(master, m); err != nil {
		if claimed := g.broadcast.remove(st.key); claimed != nil {
			claimed.fut.signal(nil, err)
		}
	}
	return st.fut
}

// deliverBroadcast runs the down-phase on this node: arm the ack
// countdown, forward to children, deliver locally, and ack our own
// delivery. A seq of zero means this node is the root handling the
// original request and must stamp the delivery order.
func (r *Runtime) deliverBroadcast(g *Group, key collKey, seq int, storage, name string, blob []byte) {
	if seq == 0 {
		seq = g.broadcast.nextSeq()
	}
	st := g.broadcast.getOrCreate(key)
	_, _, children, localIDs := g.topology()
	// The countdown must be armed before children can ack; children
	// learn of the request only through the forwards below.
	atomic.StoreInt32(&st.pending, int32(len(children)+1))
	for _, child := range children {
		m := &broadcastBytesMsg{
			groupID:   g.id,
			req:       key.req,
			requester: key.requester,
			seq:       seq,
			storage:   storage,
			name:      name,
			value:     blob,
		}
		if err := r.sendToNode(child, m); err != nil {
			log.Error.Printf("pgas: broadcast forward: %v", err)
		}
	}
	// Admission and delivery happen under one lock so that a newer
	// broadcast cannot interleave its puts with an older one's.
	g.broadcast.deliverMu.Lock()
	if g.broadcast.admit(storage+"\x00"+name, seq) {
		for _, tid := range localIDs {
			global, err := g.GlobalThreadID(tid)
			if err != nil {
				log.Error.Printf("pgas: broadcast delivery: %v", err)
				continue
			}
			th := r.threadByID(global)
			if th == nil {
				continue
			}
			// Decode a fresh copy per thread: threads must not alias
			// one another's values.
			val, err := wire.DecodeObjectBytes(blob)
			if err != nil {
				log.Error.Printf("pgas: broadcast decode for thread %d: %v", global, err)
				continue
			}
			if werr := th.storage.put(storage, name, val); werr != nil {
				log.Error.Printf("pgas: broadcast put for thread %d: %v", global, werr)
			}
		}
	}
	g.broadcast.deliverMu.Unlock()
	r.ackBroadcast(g, st)
}

// ackBroadcast records one completed delivery (our own or a child
// subtree's) and propagates completion when the node's subtree is
// done.
func (r *Runtime) ackBroadcast(g *Group, st *broadcastState) {
	if atomic.AddInt32(&st.pending, -1) != 0 {
		return
	}
	_, parent, _, _ := g.topology()
	if parent >= 0 {
		if st.fut == nil {
			g.broadcast.remove(st.key)
		}
		m := &broadcastInformMsg{groupID: g.id, req: st.key.req, requester: st.key.requester}
		if err := r.sendToNode(parent, m); err != nil {
			log.Error.Printf("pgas: broadcast ack: %v", err)
		}
		return
	}
	// Root: the whole tree is done; complete the originator.
	home, werr := r.homeOf(st.key.requester)
	if werr != nil {
		log.Error.Printf("pgas: broadcast complete: %v", werr)
		return
	}
	if home == r.currentPhysicalID() {
		if claimed := g.broadcast.remove(st.key); claimed != nil && claimed.fut != nil {
			claimed.fut.signal(nil, nil)
		}
		return
	}
	if st.fut == nil {
		g.broadcast.remove(st.key)
	}
	m := &broadcastInformMsg{groupID: g.id, req: st.key.req, requester: st.key.requester, final: true}
	if err := r.sendToNode(home, m); err != nil {
		log.Error.Printf("pgas: broadcast complete: %v", err)
	}
}

// broadcastRequestMsg carries a broadcast from its originator to the
// group root.
type broadcastRequestMsg struct {
	groupID   int
	req       int
	requester int
	storage   string
	name      string
	value     []byte
}

func (m *broadcastRequestMsg) Kind() byte { return kindBroadcastRequest }

func (m *broadcastRequestMsg) Encode(w *wire.Writer) error {
	return encodeBroadcastBody(w, m.groupID, m.req, m.requester, m.storage, m.name, m.value)
}

func (m *broadcastRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	return executeBroadcastBody(r, d, 0)
}

// broadcastBytesMsg floods the encoded value down the tree.
type broadcastBytesMsg struct {
	groupID   int
	req       int
	requester int
	seq       int
	storage   string
	name      string
	value     []byte
}

func (m *broadcastBytesMsg) Kind() byte { return kindBroadcastBytes }

func (m *broadcastBytesMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.seq)); err != nil {
		return err
	}
	return encodeBroadcastBody(w, m.groupID, m.req, m.requester, m.storage, m.name, m.value)
}

func (m *broadcastBytesMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	seq, err := d.ReadInt32()
	if err != nil {
		return err
	}
	return executeBroadcastBody(r, d, int(seq))
}

func encodeBroadcastBody(w *wire.Writer, groupID, req, requester int, storage, name string, value []byte) error {
	if err := w.WriteInt32(int32(groupID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(requester)); err != nil {
		return err
	}
	if err := w.WriteString(storage); err != nil {
		return err
	}
	if err := w.WriteString(name); err != nil {
		return err
	}
	return w.WriteObjectBytes(value)
}

func executeBroadcastBody(r *Runtime, d *wire.Reader, seq int) error {
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
	blob, err := d.ReadObjectBytes()
	if err != nil {
		return err
	}
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	r.deliverBroadcast(g, collKey{int(req), int(requester)}, seq, storage, name, blob)
	return nil
}

// broadcastInformMsg acknowledges a completed subtree to its parent;
// with final set, it completes the originator.
type broadcastInformMsg struct {
	groupID   int
	req       int
	requester int
	final     bool
}

func (m *broadcastInformMsg) Kind() byte { return kindBroadcastInform }

func (m *broadcastInformMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	return w.WriteBool(m.final)
}

func (m *broadcastInformMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
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
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	key := collKey{int(req), int(requester)}
	if final {
		if st := g.broadcast.remove(key); st != nil && st.fut != nil {
			st.fut.signal(nil, nil)
		}
		return nil
	}
	st := g.broadcast.lookup(key)
	if st == nil {
		log.Error.Printf("pgas: stray broadcast ack for group %d request %d", groupID, req)
		return nil
	}
	r.ackBroadcast(g, st)
	return nil
}
