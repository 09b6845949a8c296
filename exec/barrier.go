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

// Barriers are numbered by round, shared by all members of a group:
// every member's n'th barrier call joins round n. A node's state for
// a round counts down from #tree-children + #local-members; local
// arrivals and child BarrierGo messages each decrement once. When the
// count drains at the root, BarrierWaiting flows down the tree and
// every node releases its local waiters.

type barrierStates struct {
	mu     sync.Mutex
	states map[int]*barrierState
}

type barrierState struct {
	round   int
	pending int32
	fut     *Future
}

func (s *barrierStates) init() {
	s.states = make(map[int]*barrierState)
}

// get returns the state for the round, lazily creating it with the
// full countdown. The countdown is fixed at creation; group
// membership may not change while a barrier is in flight.
func (s *barrierStates) get(g *Group, round int) *barrierState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[round]
	if st == nil {
		_, _, children, localIDs := g.topology()
		st = &barrierState{
			round:   round,
			pending: int32(len(children) + len(localIDs)),
			fut:     newFuture(),
		}
		s.states[round] = st
	}
	return st
}

func (s *barrierStates) remove(round int) *barrierState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[round]
	delete(s.states, round)
	return st
}

// AsyncBarrier enters the group barrier and returns a future that
// completes when every member has entered.
func (v *GroupView) AsyncBarrier() *Future {
	v.barrierRound++
	g := v.g
	st := g.barrier.get(g, v.barrierRound)
	g.arriveBarrier(st)
	return st.fut
}

// Barrier enters the group barrier and blocks until every member has
// entered.
func (v *GroupView) Barrier() error {
	f := v.AsyncBarrier()
	_, err := v.t.r.wait(v.t.r.ctx, f)
	return err
}

// arriveBarrier records one arrival (a local member or a child
// subtree). The last arrival either releases the barrier (at the
// root) or reports upward.
func (g *Group) arriveBarrier(st *barrierState) {
	if atomic.AddInt32(&st.pending, -1) != 0 {
		return
	}
	_, parent, _, _ := g.topology()
	if parent < 0 {
		g.releaseBarrier(st.round)
		return
	}
	if err := g.r.sendToNode(parent, &barrierGoMsg{groupID: g.id, round: st.round}); err != nil {
		log.Error.Printf("pgas: barrier go: %v", err)
	}
}

// releaseBarrier propagates the release down the tree and signals
// local waiters. The state is removed exactly once, here.
func (g *Group) releaseBarrier(round int) {
	_, _, children, _ := g.topology()
	for _, child := range children {
		if err := g.r.sendToNode(child, &barrierWaitingMsg{groupID: g.id, round: round}); err != nil {
			log.Error.Printf("pgas: barrier release: %v", err)
		}
	}
	if st := g.barrier.remove(round); st != nil {
		st.fut.signal(nil, nil)
	}
}

// barrierGoMsg reports a drained subtree to its parent.
type barrierGoMsg struct {
	groupID int
	round   int
}

func (m *barrierGoMsg) Kind() byte { return kindBarrierGo }

func (m *barrierGoMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	return w.WriteInt32(int32(m.round))
}

func (m *barrierGoMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	groupID, err := d.ReadInt32()
	if err != nil {
		return err
	}
	round, err := d.ReadInt32()
	if err != nil {
		return err
	}
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	st := g.barrier.get(g, int(round))
	g.arriveBarrier(st)
	return nil
}

// barrierWaitingMsg releases a barrier round down the tree.
type barrierWaitingMsg struct {
	groupID int
	round   int
}

func (m *barrierWaitingMsg) Kind() byte { return kindBarrierWaiting }

func (m *barrierWaitingMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	return w.WriteInt32(int32(m.round))
}

func (m *barrierWaitingMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	groupID, err := d.ReadInt32()
	if err != nil {
		return err
	}
	round, err := d.ReadInt32()
	if err != nil {
		return err
	}
	g := r.groupByID(int(groupID))
	if g == nil {
		return unknownGroup(int(groupID)).Err()
	}
	g.releaseBarrier(int(round))
	return nil
}
