// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// Shutdown tree. Every node's counter starts at #children+1 over the
// binary heap of physical ids. The local program's completion and
// each child's Bye decrement it once; at zero a non-root sends Bye to
// its parent, and node 0 floods ByeCompleted down the tree (sending
// first to itself through the loopback, so every node takes the same
// path). A node exits once ByeCompleted arrives.

// byeNodeProcessed records one completed obligation: the local
// program or a child subtree.
func (r *Runtime) byeNodeProcessed() {
	if atomic.AddInt32(&r.bye.count, -1) != 0 {
		return
	}
	id := r.currentPhysicalID()
	if id == 0 {
		if err := r.sendToNode(0, &byeCompletedMsg{}); err != nil {
			log.Error.Printf("pgas: bye completed: %v", err)
		}
		return
	}
	if err := r.sendToNode((id-1)/2, &byeMsg{}); err != nil {
		log.Error.Printf("pgas: bye: %v", err)
	}
}

// byeMsg reports a drained subtree to its parent.
type byeMsg struct{}

func (m *byeMsg) Kind() byte { return kindBye }

func (m *byeMsg) Encode(w *wire.Writer) error { return nil }

func (m *byeMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	r.byeNodeProcessed()
	return nil
}

// byeCompletedMsg releases the job for exit, flooding down the
// physical tree.
type byeCompletedMsg struct{}

func (m *byeCompletedMsg) Kind() byte { return kindByeCompleted }

func (m *byeCompletedMsg) Encode(w *wire.Writer) error { return nil }

func (m *byeCompletedMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	r.mu.Lock()
	id, n := r.physicalID, r.numNodes
	r.mu.Unlock()
	for _, child := range physChildren(id, n) {
		if err := r.sendToNode(child, &byeCompletedMsg{}); err != nil {
			log.Error.Printf("pgas: bye completed forward: %v", err)
		}
	}
	r.bye.completed.signal(nil, nil)
	return nil
}
