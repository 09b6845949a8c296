// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// Get, put and accumulate are point-to-point: the requester sends
// directly to the target thread's home node, which executes against
// the target's storage and replies on the same connection. Handler
// failures, including unknown storage or variables, travel back as
// reply errors; they can result from legitimate races and must not
// crash the target.

// GetFrom asynchronously reads a variable owned by the thread with
// the given global id. Local targets take the same path through the
// loopback connection.
func (t *Thread) GetFrom(target int, storage, name string) *Future {
	home, werr := t.r.homeOf(target)
	if werr != nil {
		return failedFuture(werr.Err())
	}
	req, fut := t.gets.create()
	m := &getRequestMsg{
		requester: t.globalID,
		req:       req,
		target:    target,
		storage:   storage,
		name:      name,
	}
	if err := t.r.sendToNode(home, m); err != nil {
		if claimed := t.gets.remove(req); claimed != nil {
			claimed.signal(nil, err)
		}
	}
	return fut
}

// PutTo asynchronously writes a variable owned by the thread with the
// given global id. Puts to the same variable are last-writer-wins.
func (t *Thread) PutTo(target int, storage, name string, val interface{}) *Future {
	home, werr := t.r.homeOf(target)
	if werr != nil {
		return failedFuture(werr.Err())
	}
	blob, err := wire.EncodeObject(val)
	if err != nil {
		return failedFuture(err)
	}
	req, fut := t.puts.create()
	m := &putRequestMsg{
		requester: t.globalID,
		req:       req,
		target:    target,
		storage:   storage,
		name:      name,
		value:     blob,
	}
	if err := t.r.sendToNode(home, m); err != nil {
		if claimed := t.puts.remove(req); claimed != nil {
			claimed.signal(nil, err)
		}
	}
	return fut
}

// AccumulateTo asynchronously composes the registered op with a
// variable owned by the thread with the given global id.
func (t *Thread) AccumulateTo(target int, opName, storage, name string, val interface{}) *Future {
	if _, ok := lookupOp(opName); !ok {
		return failedFuture(unknownOpErr(opName))
	}
	home, werr := t.r.homeOf(target)
	if werr != nil {
		return failedFuture(werr.Err())
	}
	blob, err := wire.EncodeObject(val)
	if err != nil {
		return failedFuture(err)
	}
	req, fut := t.accs.create()
	m := &accumulateRequestMsg{
		requester: t.globalID,
		req:       req,
		target:    target,
		opName:    opName,
		storage:   storage,
		name:      name,
		value:     blob,
	}
	if err := t.r.sendToNode(home, m); err != nil {
		if claimed := t.accs.remove(req); claimed != nil {
			claimed.signal(nil, err)
		}
	}
	return fut
}

// Get asynchronously reads a variable owned by the group member with
// the given group-thread id.
func (v *GroupView) Get(rank int, storage, name string) *Future {
	global, err := v.g.GlobalThreadID(rank)
	if err != nil {
		return failedFuture(err)
	}
	return v.t.GetFrom(global, storage, name)
}

// Put asynchronously writes a variable owned by the group member with
// the given group-thread id.
func (v *GroupView) Put(rank int, storage, name string, val interface{}) *Future {
	global, err := v.g.GlobalThreadID(rank)
	if err != nil {
		return failedFuture(err)
	}
	return v.t.PutTo(global, storage, name, val)
}

// Accumulate asynchronously composes the registered op with a
// variable owned by the group member with the given group-thread id.
func (v *GroupView) Accumulate(rank int, opName, storage, name string, val interface{}) *Future {
	global, err := v.g.GlobalThreadID(rank)
	if err != nil {
		return failedFuture(err)
	}
	return v.t.AccumulateTo(global, opName, storage, name, val)
}

// signalReply routes a reply to the requester thread's table.
func signalReply(r *Runtime, table func(t *Thread) *requestTable, requester, req int, val interface{}, werr *wireError) {
	th := r.threadByID(requester)
	if th == nil {
		log.Error.Printf("pgas: reply for unknown thread %d", requester)
		return
	}
	if fut := table(th).remove(req); fut != nil {
		fut.signal(val, werr.Err())
	}
}

type getRequestMsg struct {
	requester int
	req       int
	target    int
	storage   string
	name      string
}

func (m *getRequestMsg) Kind() byte { return kindGetRequest }

func (m *getRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.target)); err != nil {
		return err
	}
	if err := w.WriteString(m.storage); err != nil {
		return err
	}
	return w.WriteString(m.name)
}

func (m *getRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	target, err := d.ReadInt32()
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
	var (
		blob []byte
		werr *wireError
	)
	th := r.threadByID(int(target))
	if th == nil {
		werr = unknownThread(int(target))
	} else {
		var val interface{}
		if val, werr = th.storage.get(storage, name); werr == nil {
			var eerr error
			if blob, eerr = wire.EncodeObject(val); eerr != nil {
				werr = userError(eerr)
			}
		}
	}
	reply := &getReplyMsg{requester: int(requester), req: int(req), err: werr, value: blob}
	return r.send(c, reply)
}

type getReplyMsg struct {
	requester int
	req       int
	err       *wireError
	value     []byte
}

func (m *getReplyMsg) Kind() byte { return kindGetReply }

func (m *getReplyMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := writeError(w, m.err.orNil()); err != nil {
		return err
	}
	return w.WriteObjectBytes(m.value)
}

func (m *getReplyMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
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
	var val interface{}
	if werr == nil {
		if val, err = wire.DecodeObjectBytes(blob); err != nil {
			werr = userError(err)
		}
	}
	signalReply(r, func(t *Thread) *requestTable { return &t.gets }, int(requester), int(req), val, werr)
	return nil
}

type putRequestMsg struct {
	requester int
	req       int
	target    int
	storage   string
	name      string
	value     []byte
}

func (m *putRequestMsg) Kind() byte { return kindPutRequest }

func (m *putRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.target)); err != nil {
		return err
	}
	if err := w.WriteString(m.storage); err != nil {
		return err
	}
	if err := w.WriteString(m.name); err != nil {
		return err
	}
	return w.WriteObjectBytes(m.value)
}

func (m *putRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	target, err := d.ReadInt32()
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
	var werr *wireError
	th := r.threadByID(int(target))
	if th == nil {
		werr = unknownThread(int(target))
	} else {
		var val interface{}
		var derr error
		if val, derr = wire.DecodeObjectBytes(blob); derr != nil {
			werr = userError(derr)
		} else {
			werr = th.storage.put(storage, name, val)
		}
	}
	reply := &putReplyMsg{requester: int(requester), req: int(req), err: werr}
	return r.send(c, reply)
}

type putReplyMsg struct {
	requester int
	req       int
	err       *wireError
}

func (m *putReplyMsg) Kind() byte { return kindPutReply }

func (m *putReplyMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	return writeError(w, m.err.orNil())
}

func (m *putReplyMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	werr, err := readError(d)
	if err != nil {
		return err
	}
	signalReply(r, func(t *Thread) *requestTable { return &t.puts }, int(requester), int(req), nil, werr)
	return nil
}

type accumulateRequestMsg struct {
	requester int
	req       int
	target    int
	opName    string
	storage   string
	name      string
	value     []byte
}

func (m *accumulateRequestMsg) Kind() byte { return kindAccumulateRequest }

func (m *accumulateRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.target)); err != nil {
		return err
	}
	if err := w.WriteString(m.opName); err != nil {
		return err
	}
	if err := w.WriteString(m.storage); err != nil {
		return err
	}
	if err := w.WriteString(m.name); err != nil {
		return err
	}
	return w.WriteObjectBytes(m.value)
}

func (m *accumulateRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	target, err := d.ReadInt32()
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
	blob, err := d.ReadObjectBytes()
	if err != nil {
		return err
	}
	var werr *wireError
	th := r.threadByID(int(target))
	op, ok := lookupOp(opName)
	switch {
	case th == nil:
		werr = unknownThread(int(target))
	case !ok:
		werr = &wireError{errUser, "unregistered op: " + opName}
	default:
		var val interface{}
		var derr error
		if val, derr = wire.DecodeObjectBytes(blob); derr != nil {
			werr = userError(derr)
		} else {
			werr = th.storage.accumulate(op, storage, name, val)
		}
	}
	reply := &accumulateReplyMsg{requester: int(requester), req: int(req), err: werr}
	return r.send(c, reply)
}

type accumulateReplyMsg struct {
	requester int
	req       int
	err       *wireError
}

func (m *accumulateReplyMsg) Kind() byte { return kindAccumulateReply }

func (m *accumulateReplyMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	return writeError(w, m.err.orNil())
}

func (m *accumulateReplyMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
	requester, err := d.ReadInt32()
	if err != nil {
		return err
	}
	req, err := d.ReadInt32()
	if err != nil {
		return err
	}
	werr, err := readError(d)
	if err != nil {
		return err
	}
	signalReply(r, func(t *Thread) *requestTable { return &t.accs }, int(requester), int(req), nil, werr)
	return nil
}
