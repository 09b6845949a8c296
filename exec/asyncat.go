// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// AsyncAt runs a registered function on a remote thread. The
// function travels by registration name; the argument and result are
// opaque objects. User code runs on a comm worker at the target,
// gated by the runtime's limiter, which lets at most one function per
// CPU run at a time; a handler waiting for the limiter still holds
// its worker. Panics and errors travel back as user errors carrying
// the remote stack.

// AsyncAt invokes the registered function on the thread with the
// given global id, passing arg. The future yields the function's
// result.
func (t *Thread) AsyncAt(target int, funcName string, arg interface{}) *Future {
	if _, ok := lookupFunc(funcName); !ok {
		return failedFuture(unknownOpErr(funcName))
	}
	home, werr := t.r.homeOf(target)
	if werr != nil {
		return failedFuture(werr.Err())
	}
	blob, err := wire.EncodeObject(arg)
	if err != nil {
		return failedFuture(err)
	}
	req, fut := t.asyncs.create()
	m := &asyncAtRequestMsg{
		requester: t.globalID,
		req:       req,
		target:    target,
		funcName:  funcName,
		arg:       blob,
	}
	if err := t.r.sendToNode(home, m); err != nil {
		if claimed := t.asyncs.remove(req); claimed != nil {
			claimed.signal(nil, err)
		}
	}
	return fut
}

// AsyncAt invokes the registered function on the group member with
// the given group-thread id.
func (v *GroupView) AsyncAt(rank int, funcName string, arg interface{}) *Future {
	global, err := v.g.GlobalThreadID(rank)
	if err != nil {
		return failedFuture(err)
	}
	return v.t.AsyncAt(global, funcName, arg)
}

// invokeFunc runs f under the runtime's limiter, converting panics
// into user errors.
func (r *Runtime) invokeFunc(f RemoteFunc, th *Thread, arg interface{}) (val interface{}, werr *wireError) {
	if err := r.asyncLimiter.Acquire(r.ctx, 1); err != nil {
		return nil, userError(err)
	}
	defer r.asyncLimiter.Release(1)
	defer func() {
		if e := recover(); e != nil {
			val, werr = nil, userError(e)
		}
	}()
	v, err := f(th, arg)
	if err != nil {
		return nil, userError(err)
	}
	return v, nil
}

type asyncAtRequestMsg struct {
	requester int
	req       int
	target    int
	funcName  string
	arg       []byte
}

func (m *asyncAtRequestMsg) Kind() byte { return kindAsyncAtRequest }

func (m *asyncAtRequestMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.requester)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.req)); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(m.target)); err != nil {
		return err
	}
	if err := w.WriteString(m.funcName); err != nil {
		return err
	}
	return w.WriteObjectBytes(m.arg)
}

func (m *asyncAtRequestMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
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
	funcName, err := d.ReadString()
	if err != nil {
		return err
	}
	blob, err := d.ReadObjectBytes()
	if err != nil {
		return err
	}
	var (
		result []byte
		werr   *wireError
	)
	th := r.threadByID(int(target))
	f, ok := lookupFunc(funcName)
	switch {
	case th == nil:
		werr = unknownThread(int(target))
	case !ok:
		werr = &wireError{errUser, "unregistered func: " + funcName}
	default:
		var arg, val interface{}
		var derr error
		if arg, derr = wire.DecodeObjectBytes(blob); derr != nil {
			werr = userError(derr)
			break
		}
		if val, werr = r.invokeFunc(f, th, arg); werr == nil {
			if result, derr = wire.EncodeObject(val); derr != nil {
				werr = userError(derr)
			}
		}
	}
	reply := &asyncAtReplyMsg{requester: int(requester), req: int(req), err: werr, value: result}
	return r.send(c, reply)
}

type asyncAtReplyMsg struct {
	requester int
	req       int
	err       *wireError
	value     []byte
}

func (m *asyncAtReplyMsg) Kind() byte { return kindAsyncAtReply }

func (m *asyncAtReplyMsg) Encode(w *wire.Writer) error {
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

func (m *asyncAtReplyMsg) execute(r *Runtime, c *comm.Conn, d *wire.Reader) error {
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
	signalReply(r, func(t *Thread) *requestTable { return &t.asyncs }, int(requester), int(req), val, werr)
	return nil
}
