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

// Group join. Node 0 is the master of every group: it allocates group
// ids by name and group-thread ids in request arrival order, so all
// members observe additions in one total order. A join updates the
// master's mapping, publishes it to every member node (which confirm
// back), and only then answers the joiner. Because the inform to the
// joiner's node precedes the response on the same connection, the
// joiner's node always has the group by the time the response lands.

// joinCoordinator is the master-side bookkeeping for in-flight joins.
type joinCoordinator struct {
	mu      sync.Mutex
	pending map[collKey]*joinPending
}

type joinPending struct {
	groupID  int
	name     string
	rank     int
	threads  map[int]int
	confirms int
}

func (j *joinCoordinator) init() {
	j.pending = make(map[collKey]*joinPending)
}

// joinResult is the payload of a completed join future.
type joinResult struct {
	g    *Group
	rank int
}

// AsyncJoin requests membership in the named group, creating it if
// needed. The future yields the thread's view of the group. Joining
// a group the thread already belongs to yields the existing
// membership.
func (t *Thread) AsyncJoin(name string) *Future {
	req, fut := t.joinReq.create()
	m := &groupJoinRequestMsg{req: req, joiner: t.globalID, name: name}
	if err := t.r.sendToNode(0, m); err != nil {
		if claimed := t.joinReq.remove(req); claimed != nil {
			claimed.signal(nil, err)
		}
	}
	return fut
}

// Join requests membership in the named group and blocks until every
// current member node has observed the addition.
func (t *Thread) Join(name string) (*GroupView, error) {
	v, err := t.r.wait(t.r.ctx, t.AsyncJoin(name))
	if err != nil {
		return nil, err
	}
	res := v.(*joinResult)
	return t.viewOf(res.g, res.rank), nil
}

type groupJoinRequestMsg struct {
	req    int
	joiner int
	name   string
}

func (m *groupJoinRequestMsg) Kind() byte { return kindGroupJoinRequest }

func (m *groupJoinRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.joiner)); err != nil {
		return err
	}
	return w.WriteString(m.name)
}

func (m *groupJoinRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	joiner, err := d.ReadInt32()
	if err != nil {
		return err
	}
	name, err := d.ReadString()
	if err != nil {
		return err
	}
	if !r.isNode0 {
		return unknownGroupName(name).Err()
	}

	r.mu.Lock()
	g := r.groupsByName[name]
	if g == nil {
		g = newGroup(r, r.groupCounter, name, 0)
		r.groupCounter++
		r.groupsByID[g.id] = g
		r.groupsByName[name] = g
	}
	r.mu.Unlock()

	rank := g.addThread(int(joiner))
	threads := g.threadsCopy()

	seen := make(map[int]bool)
	var memberNodes []int
	for _, global := range threads {
		home, werr := r.homeOf(global)
		if werr != nil {
			return werr.Err()
		}
		if !seen[home] {
			seen[home] = true
			memberNodes = append(memberNodes, home)
		}
	}

	key := collKey{int(req), int(joiner)}
	r.joins.mu.Lock()
	r.joins.pending[key] = &joinPending{
		groupID:  g.id,
		name:     name,
		rank:     rank,
		threads:  threads,
		confirms: len(memberNodes),
	}
	r.joins.mu.Unlock()

	for _, node := range memberNodes {
		inform := &groupJoinInformMsg{
			req:     int(req),
			joiner:  int(joiner),
			groupID: g.id,
			name:    name,
			threads: threads,
		}
		if err := r.sendToNode(node, inform); err != nil {
			log.Error.Printf("pgas: join inform: %v", err)
		}
	}
	return nil
}

// groupJoinInformMsg publishes an updated thread mapping to a member
// node.
type groupJoinInformMsg struct {
	req     int
	joiner  int
	groupID int
	name    string
	threads map[int]int
}

func (m *groupJoinInformMsg) Kind() byte { return kindGroupJoinInform }

func (m *groupJoinInformMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.joiner)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	if err := w.WriteString(m.name); err != nil {
		return err
	}
	return writeThreadsMap(w, m.threads)
}

func (m *groupJoinInformMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	joiner, err := d.ReadInt32()
	if err != nil {
		return err
	}
	groupID, err := d.ReadInt32()
	if err != nil {
		return err
	}
	name, err := d.ReadString()
	if err != nil {
		return err
	}
	threads, err := readThreadsMap(d)
	if err != nil {
		return err
	}
	g := r.ensureGroup(int(groupID), name)
	g.updateThreads(threads)
	confirm := &groupJoinConfirmMsg{req: int(req), joiner: int(joiner), groupID: int(groupID)}
	return r.sendToNode(0, confirm)
}

// groupJoinConfirmMsg acknowledges an inform back to the master.
type groupJoinConfirmMsg struct {
	req     int
	joiner  int
	groupID int
}

func (m *groupJoinConfirmMsg) Kind() byte { return kindGroupJoinConfirm }

func (m *groupJoinConfirmMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.joiner)); err != nil {
		return err
	}
	return w.WriteInt32(int32(m.groupID))
}

func (m *groupJoinConfirmMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	joiner, err := d.ReadInt32()
	if err != nil {
		return err
	}
	if _, err := d.ReadInt32(); err != nil {
		return err
	}
	key := collKey{int(req), int(joiner)}
	r.joins.mu.Lock()
	pend := r.joins.pending[key]
	var done *joinPending
	if pend != nil {
		pend.confirms--
		if pend.confirms == 0 {
			delete(r.joins.pending, key)
			done = pend
		}
	}
	r.joins.mu.Unlock()
	if done == nil {
		return nil
	}
	home, werr := r.homeOf(int(joiner))
	if werr != nil {
		return werr.Err()
	}
	resp := &groupJoinResponseMsg{
		req:     int(req),
		joiner:  int(joiner),
		groupID: done.groupID,
		name:    done.name,
		rank:    done.rank,
		threads: done.threads,
	}
	return r.sendToNode(home, resp)
}

// groupJoinResponseMsg completes a join at the joiner's node.
type groupJoinResponseMsg struct {
	req     int
	joiner  int
	groupID int
	name    string
	rank    int
	threads map[int]int
}

func (m *groupJoinResponseMsg) Kind() byte { return kindGroupJoinResponse }

func (m *groupJoinResponseMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.joiner)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.groupID)); err != nil {
		return err
	}
	if err := w.WriteString(m.name); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.rank)); err != nil {
		return err
	}
	return writeThreadsMap(w, m.threads)
}

func (m *groupJoinResponseMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	joiner, err := d.ReadInt32()
	if err != nil {
		return err
	}
	groupID, err := d.ReadInt32()
	if err != nil {
		return err
	}
	name, err := d.ReadString()
	if err != nil {
		return err
	}
	rank, err := d.ReadInt32()
	if err != nil {
		return err
	}
	threads, err := readThreadsMap(d)
	if err != nil {
		return err
	}
	g := r.ensureGroup(int(groupID), name)
	g.updateThreads(threads)
	th := r.threadByID(int(joiner))
	if th == nil {
		return unknownThread(int(joiner)).Err()
	}
	if fut := th.joinReq.remove(int(req)); fut != nil {
		fut.signal(&joinResult{g: g, rank: int(rank)}, nil)
	}
	return nil
}

func writeThreadsMap(w *wire.Writer, m map[int]int) error {
	if err := w.WriteInt32(int32(len(m))); err != nil {
		return err
	}
	// Deterministic order is not required on the wire, but sorted
	// output keeps frames reproducible for tests.
	tids := make([]int, 0, len(m))
	for tid := range m {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	for _, tid := range tids {
		if err := w.WriteInt32(int32(tid)); err != nil {
			return err
		}
		if err := w.WriteInt32(int32(m[tid])); err != nil {
			return err
		}
	}
	return nil
}

func readThreadsMap(d *wire.Reader) (map[int]int, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return nil, err
	}
	m := make(map[int]int, n)
	for i := int32(0); i < n; i++ {
		tid, err := d.ReadInt32()
		if err != nil {
			return nil, err
		}
		global, err := d.ReadInt32()
		if err != nil {
			return nil, err
		}
		m[int(tid)] = int(global)
	}
	return m, nil
}
