// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// maxFrame bounds inbound frame sizes so a corrupt or hostile length
// prefix cannot induce an arbitrarily large allocation.
const maxFrame = 1 << 30

// A Conn is a framed connection to a peer node. Frames enqueued on a
// Conn are written to the peer in enqueue order; no ordering holds
// across Conns. A Conn with no underlying socket is the loopback
// connection (see Networker.Loopback), on which sends short-circuit
// into local dispatch.
type Conn struct {
	nk   *Networker
	conn net.Conn // nil for loopback
	addr string

	mu     sync.Mutex
	wcond  *ctxsync.Cond
	queue  [][]byte
	closed bool
}

func newConn(nk *Networker, c net.Conn) *Conn {
	conn := &Conn{nk: nk, conn: c}
	if c != nil {
		conn.addr = c.RemoteAddr().String()
	} else {
		conn.addr = "loopback"
	}
	conn.wcond = ctxsync.NewCond(&conn.mu)
	return conn
}

// start launches the connection's reader and writer goroutines.
func (c *Conn) start() {
	go c.writeLoop()
	go c.readLoop()
}

// Loopback tells whether c is the in-process loopback connection.
func (c *Conn) Loopback() bool {
	return c.conn == nil
}

// RemoteHost returns the peer's host (without port). It is empty for
// the loopback connection.
func (c *Conn) RemoteHost() string {
	if c.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr
	}
	return host
}

func (c *Conn) String() string {
	return c.addr
}

// enqueue appends a frame to the connection's outbound FIFO queue.
func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.E(errors.Net, "connection lost: "+c.addr)
	}
	c.queue = append(c.queue, frame)
	c.wcond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 {
			if c.closed {
				c.mu.Unlock()
				return
			}
			// Done unlocks c.mu and yields a channel that closes at
			// the next Broadcast.
			<-c.wcond.Done()
			c.mu.Lock()
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		if _, err := c.conn.Write(frame); err != nil {
			c.nk.connFailed(c, err)
			return
		}
		c.nk.stats.Int("send.frames").Add(1)
		c.nk.stats.Int("send.bytes").Add(int64(len(frame)))
	}
}

func (c *Conn) readLoop() {
	var szbuf [4]byte
	for {
		if _, err := io.ReadFull(c.conn, szbuf[:]); err != nil {
			c.nk.connFailed(c, err)
			return
		}
		size := binary.BigEndian.Uint32(szbuf[:])
		if size == 0 {
			// Keepalive frame.
			continue
		}
		if size > maxFrame {
			c.nk.connFailed(c, errors.E(errors.Invalid, "frame length out of range"))
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.nk.connFailed(c, err)
			return
		}
		c.nk.stats.Int("recv.frames").Add(1)
		c.nk.stats.Int("recv.bytes").Add(int64(len(payload)) + 4)
		c.nk.dispatch(c, payload)
	}
}

// close closes the underlying socket and releases the writer. It is
// idempotent.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.wcond.Broadcast()
	c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
