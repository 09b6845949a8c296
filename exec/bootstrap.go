// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
	"golang.org/x/sync/errgroup"
)

// Bootstrap protocol. Node 0 binds its port and acts as registrar:
// every other node dials it and sends Hello carrying its listen port
// and thread ids (physical id -1 marks a registration). Node 0
// assigns dense physical ids in arrival order, itself 0, and when all
// threads are accounted for sends every node a HelloResponse with its
// id and the complete node table. Each node then completes the mesh:
// it dials every node with a higher physical id, identifying itself
// with a Hello carrying its assigned id, and accepts from lower ids.
// A node whose outbound dials are done and whose expected inbound
// connections have arrived reports HelloGo to node 0; when all nodes
// have reported, node 0 sends HelloCompleted and user threads start.

// joinJob runs the non-coordinator side of bootstrap.
func (r *Runtime) joinJob() error {
	conn0, err := r.nk.Dial(r.ctx, r.node0Addr.String())
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.node0Conn = conn0
	r.mu.Unlock()
	err = r.send(conn0, &helloMsg{
		physicalID: -1,
		port:       r.nk.Port(),
		threadIDs:  r.localThreadIDs,
	})
	if err != nil {
		return err
	}
	if _, err := r.wait(r.ctx, r.hello.assigned); err != nil {
		return r.runError(err)
	}
	if err := r.connectMesh(); err != nil {
		return err
	}
	r.maybeSendHelloGo()
	return nil
}

// connectMesh dials every node with a physical id greater than ours.
// The registration connection to node 0 already covers that pair.
func (r *Runtime) connectMesh() error {
	r.mu.Lock()
	id := r.physicalID
	nodes := append([]nodeDesc(nil), r.nodes...)
	r.mu.Unlock()
	g, ctx := errgroup.WithContext(r.ctx)
	for j := id + 1; j < len(nodes); j++ {
		j := j
		g.Go(func() error {
			addr := NodeAddr{Host: nodes[j].Host, Port: nodes[j].Port}
			c, err := r.nk.Dial(ctx, addr.String())
			if err != nil {
				return err
			}
			if err := r.send(c, &helloMsg{physicalID: id, port: r.nk.Port()}); err != nil {
				return err
			}
			r.mu.Lock()
			r.conns[j] = c
			r.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.E(errors.Net, "mesh connect failed", err)
	}
	r.mu.Lock()
	r.hello.meshOutDone = true
	r.mu.Unlock()
	return nil
}

// maybeSendHelloGo reports mesh completion to node 0 once both
// directions of the mesh are in place.
func (r *Runtime) maybeSendHelloGo() {
	r.mu.Lock()
	ready := r.physicalID > 0 &&
		r.hello.meshOutDone &&
		r.hello.meshInArrived == r.physicalID-1 &&
		!r.hello.goSent
	if ready {
		r.hello.goSent = true
	}
	conn0 := r.node0Conn
	id := r.physicalID
	r.mu.Unlock()
	if !ready {
		return
	}
	if err := r.send(conn0, &helloGoMsg{physicalID: id}); err != nil {
		log.Error.Printf("pgas: hello go: %v", err)
	}
}

// registerNodeLocked records a node during registration (node 0
// only). r.mu must be held.
func (r *Runtime) registerNodeLocked(desc nodeDesc, c *comm.Conn) {
	id := len(r.nodes)
	r.nodes = append(r.nodes, desc)
	r.conns[id] = c
	r.hello.accounted += len(desc.ThreadIDs)
	log.Debug.Printf("pgas: registered node %d at %s:%d (%d threads)",
		id, desc.Host, desc.Port, len(desc.ThreadIDs))
	if r.hello.accounted >= r.totalThreads && !r.hello.tableSent {
		r.hello.tableSent = true
		r.finishRegistrationLocked()
	}
}

// finishRegistrationLocked distributes the node table, sets up this
// node, and begins waiting for mesh completion reports. r.mu must be
// held.
func (r *Runtime) finishRegistrationLocked() {
	r.physicalID = 0
	for i := 1; i < len(r.nodes); i++ {
		m := &helloResponseMsg{physicalID: i, nodes: r.nodes}
		if err := r.send(r.conns[i], m); err != nil {
			log.Error.Printf("pgas: hello response to node %d: %v", i, err)
		}
	}
	r.setupLocked()
	// Node 0 is connected to every node already; its mesh is
	// trivially complete.
	r.hello.goCount++
	r.maybeCompleteHelloLocked()
}

// maybeCompleteHelloLocked releases the job once every node has
// reported mesh completion. r.mu must be held.
func (r *Runtime) maybeCompleteHelloLocked() {
	if !r.hello.tableSent || r.hello.goCount < len(r.nodes) || r.hello.completedSent {
		return
	}
	r.hello.completedSent = true
	for i := range r.nodes {
		if err := r.send(r.conns[i], &helloCompletedMsg{}); err != nil {
			log.Error.Printf("pgas: hello completed to node %d: %v", i, err)
		}
	}
}

// helloMsg registers a node with node 0 (physicalID -1) or
// identifies the dialer of a fresh mesh connection (physicalID >= 0).
type helloMsg struct {
	physicalID int
	port       int
	threadIDs  []int
}

func (m *helloMsg) Kind() byte { return kindHello }

func (m *helloMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.physicalID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.port)); err != nil {
		return err
	}
	return w.WriteInts(m.threadIDs)
}

func (m *helloMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	id, err := d.ReadInt32()
	if err != nil {
		return err
	}
	port, err := d.ReadInt32()
	if err != nil {
		return err
	}
	threadIDs, err := d.ReadInts()
	if err != nil {
		return err
	}
	if id >= 0 {
		// Mesh identification from a lower-id peer.
		r.mu.Lock()
		r.conns[int(id)] = c
		r.hello.meshInArrived++
		r.mu.Unlock()
		r.maybeSendHelloGo()
		return nil
	}
	if !r.isNode0 {
		return errors.E(errors.Invalid, "unexpected registration hello")
	}
	r.mu.Lock()
	r.registerNodeLocked(nodeDesc{
		Host:      c.RemoteHost(),
		Port:      int(port),
		ThreadIDs: threadIDs,
	}, c)
	r.mu.Unlock()
	return nil
}

// helloResponseMsg carries a node's assigned physical id and the
// complete node table.
type helloResponseMsg struct {
	physicalID int
	nodes      []nodeDesc
}

func (m *helloResponseMsg) Kind() byte { return kindHelloResponse }

func (m *helloResponseMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.physicalID)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(len(m.nodes))); err != nil {
		return err
	}
	for _, n := range m.nodes {
		if err := w.WriteString(n.Host); err != nil {
			return err
		}
		if err := w.WriteInt32(int32(n.Port)); err != nil {
			return err
		}
		if err := w.WriteInts(n.ThreadIDs); err != nil {
			return err
		}
	}
	return nil
}

func (m *helloResponseMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	id, err := d.ReadInt32()
	if err != nil {
		return err
	}
	n, err := d.ReadInt32()
	if err != nil {
		return err
	}
	nodes := make([]nodeDesc, n)
	for i := range nodes {
		if nodes[i].Host, err = d.ReadString(); err != nil {
			return err
		}
		port, err := d.ReadInt32()
		if err != nil {
			return err
		}
		nodes[i].Port = int(port)
		if nodes[i].ThreadIDs, err = d.ReadInts(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.physicalID = int(id)
	r.nodes = nodes
	r.conns[0] = r.node0Conn
	r.setupLocked()
	r.mu.Unlock()
	r.hello.assigned.signal(nil, nil)
	return nil
}

// helloGoMsg reports mesh completion to node 0.
type helloGoMsg struct {
	physicalID int
}

func (m *helloGoMsg) Kind() byte { return kindHelloGo }

func (m *helloGoMsg) Encode(w *wire.Writer) error {
	return w.WriteInt32(int32(m.physicalID))
}

func (m *helloGoMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	if _, err := d.ReadInt32(); err != nil {
		return err
	}
	if !r.isNode0 {
		return errors.E(errors.Invalid, "unexpected hello go")
	}
	r.mu.Lock()
	r.hello.goCount++
	r.maybeCompleteHelloLocked()
	r.mu.Unlock()
	return nil
}

// helloCompletedMsg releases a node to run user threads.
type helloCompletedMsg struct{}

func (m *helloCompletedMsg) Kind() byte { return kindHelloCompleted }

func (m *helloCompletedMsg) Encode(w *wire.Writer) error { return nil }

func (m *helloCompletedMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	r.hello.completed.signal(nil, nil)
	return nil
}
