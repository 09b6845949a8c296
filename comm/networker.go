// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the node-to-node messaging substrate: framed
// connections with per-connection FIFO write queues, an accept loop,
// dialing with backoff, a fixed-size worker pool fed by an unbounded
// queue, and a loopback connection that short-circuits self-sends
// through the ordinary decode path.
//
// The substrate is policy-free: it moves frames and runs the
// registered handler on pool workers. What a frame means, and what to
// do when a peer fails, belong to the engine that owns the Networker.
package comm

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/pgas/stats"
	"github.com/grailbio/pgas/wire"
)

// dialPolicy is the backoff used when connecting to peers that may
// not have bound their port yet.
var dialPolicy = retry.MaxRetries(retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5), 50)

// A Message can be framed and sent on a Conn.
type Message interface {
	// Kind identifies the message type on the wire.
	Kind() byte
	// Encode writes the message payload.
	Encode(w *wire.Writer) error
}

// A Handler is invoked on a pool worker for every inbound message.
// The payload reader is positioned just past the kind byte. Handlers
// may block (e.g. waiting on a future); they run off the I/O
// goroutines, so blocking a handler never stalls a connection.
type Handler interface {
	HandleMessage(c *Conn, kind byte, r *wire.Reader) error
}

// Options configures a Networker.
type Options struct {
	// Workers is the size of the handler pool. Zero means one worker
	// per CPU.
	Workers int
	// ChunkSize is the wire chunk size for object streams.
	ChunkSize int
	// AliveInterval, if nonzero, is the period at which keepalive
	// frames are written to every peer connection, busy or idle.
	AliveInterval time.Duration
	// OnError is invoked once per failed connection, after the
	// connection has been closed. It must not block.
	OnError func(c *Conn, err error)
	// Stats receives frame and byte counters. May be nil.
	Stats *stats.Map
}

type work struct {
	c       *Conn
	payload []byte
}

// A Networker owns all of a node's connections: it dials, accepts,
// frames outbound messages, and dispatches inbound frames to the
// handler pool.
type Networker struct {
	handler Handler
	opts    Options
	stats   *stats.Map

	mu       sync.Mutex
	qcond    *ctxsync.Cond
	queue    []work
	conns    map[*Conn]bool
	loopback *Conn
	listener net.Listener
	closed   bool
}

// New returns a Networker dispatching to handler. Start must be
// called before any traffic flows.
func New(handler Handler, opts Options) *Networker {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = wire.DefaultChunkSize
	}
	nk := &Networker{
		handler: handler,
		opts:    opts,
		stats:   opts.Stats,
		conns:   make(map[*Conn]bool),
	}
	nk.qcond = ctxsync.NewCond(&nk.mu)
	return nk
}

// Start launches the worker pool and, when configured, the keepalive
// ticker.
func (nk *Networker) Start() {
	log.Debug.Printf("comm: starting %d workers", nk.opts.Workers)
	for i := 0; i < nk.opts.Workers; i++ {
		go nk.worker()
	}
	if nk.opts.AliveInterval > 0 {
		go nk.keepalive()
	}
}

// Bind listens for peer connections on host:port. Port zero picks an
// ephemeral port; Addr reports the bound address.
func (nk *Networker) Bind(host string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.E(errors.Net, fmt.Sprintf("bind %s:%d", host, port), err)
	}
	nk.mu.Lock()
	nk.listener = l
	nk.mu.Unlock()
	go nk.acceptLoop(l)
	return nil
}

// Addr returns the listener address, or nil if Bind has not been
// called.
func (nk *Networker) Addr() net.Addr {
	nk.mu.Lock()
	defer nk.mu.Unlock()
	if nk.listener == nil {
		return nil
	}
	return nk.listener.Addr()
}

// Port returns the bound listener port.
func (nk *Networker) Port() int {
	addr, ok := nk.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

func (nk *Networker) acceptLoop(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			nk.mu.Lock()
			closed := nk.closed
			nk.mu.Unlock()
			if !closed {
				log.Error.Printf("comm: accept: %v", err)
			}
			return
		}
		conn := newConn(nk, c)
		if !nk.track(conn) {
			conn.close()
			return
		}
		conn.start()
	}
}

// Dial connects to a peer, retrying with backoff until the context is
// done or the retry budget is exhausted.
func (nk *Networker) Dial(ctx context.Context, addr string) (*Conn, error) {
	var dialer net.Dialer
	for retries := 0; ; retries++ {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn := newConn(nk, c)
			if !nk.track(conn) {
				conn.close()
				return nil, errors.E(errors.Net, "networker is shut down")
			}
			conn.start()
			return conn, nil
		}
		if rerr := retry.Wait(ctx, dialPolicy, retries); rerr != nil {
			return nil, errors.E(errors.Net, "connect failed: "+addr, err)
		}
	}
}

// Loopback returns the node's loopback connection, creating it on
// first use.
func (nk *Networker) Loopback() *Conn {
	nk.mu.Lock()
	defer nk.mu.Unlock()
	if nk.loopback == nil {
		nk.loopback = newConn(nk, nil)
		nk.conns[nk.loopback] = true
	}
	return nk.loopback
}

func (nk *Networker) track(c *Conn) bool {
	nk.mu.Lock()
	defer nk.mu.Unlock()
	if nk.closed {
		return false
	}
	nk.conns[c] = true
	return true
}

// Send frames m and delivers it on c. Sends on the loopback
// connection skip the socket but traverse the same encode and decode
// path, so loopback and remote execution are indistinguishable to
// handlers.
func (nk *Networker) Send(c *Conn, m Message) error {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	buf.WriteByte(m.Kind())
	if err := m.Encode(wire.NewWriter(&buf, nk.opts.ChunkSize)); err != nil {
		return err
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	if c.Loopback() {
		log.Debug.Printf("comm: locally processing message kind %d", m.Kind())
		nk.stats.Int("loopback.frames").Add(1)
		nk.dispatch(c, frame[4:])
		return nil
	}
	log.Debug.Printf("comm: sending message kind %d to %s", m.Kind(), c)
	return c.enqueue(frame)
}

// dispatch schedules an inbound payload on the worker pool. The
// queue is unbounded: backpressure comes from the request-reply
// discipline of the collectives, not from the substrate.
func (nk *Networker) dispatch(c *Conn, payload []byte) {
	nk.mu.Lock()
	if nk.closed {
		nk.mu.Unlock()
		return
	}
	nk.queue = append(nk.queue, work{c, payload})
	nk.qcond.Broadcast()
	nk.mu.Unlock()
}

func (nk *Networker) worker() {
	for {
		nk.mu.Lock()
		for len(nk.queue) == 0 {
			if nk.closed {
				nk.mu.Unlock()
				return
			}
			<-nk.qcond.Done()
			nk.mu.Lock()
		}
		w := nk.queue[0]
		nk.queue = nk.queue[1:]
		nk.mu.Unlock()
		nk.process(w)
	}
}

func (nk *Networker) process(w work) {
	defer func() {
		if e := recover(); e != nil {
			log.Error.Printf("comm: panic processing message from %s: %v", w.c, e)
		}
	}()
	if len(w.payload) == 0 {
		return
	}
	kind := w.payload[0]
	r := wire.NewReader(bytes.NewReader(w.payload[1:]))
	if err := nk.handler.HandleMessage(w.c, kind, r); err != nil {
		log.Error.Printf("comm: message kind %d from %s: %v", kind, w.c, err)
	}
}

// connFailed records a connection failure: the connection is closed,
// the failure logged, and the owner notified. Failures after Shutdown
// are expected and suppressed.
func (nk *Networker) connFailed(c *Conn, err error) {
	nk.mu.Lock()
	closed := nk.closed || !nk.conns[c]
	delete(nk.conns, c)
	nk.mu.Unlock()
	c.close()
	if closed {
		return
	}
	log.Error.Printf("comm: connection to %s failed: %v", c, err)
	if nk.opts.OnError != nil {
		nk.opts.OnError(c, errors.E(errors.Net, "connection lost: "+c.String(), err))
	}
}

func (nk *Networker) keepalive() {
	tick := time.NewTicker(nk.opts.AliveInterval)
	defer tick.Stop()
	var empty [4]byte
	for range tick.C {
		nk.mu.Lock()
		if nk.closed {
			nk.mu.Unlock()
			return
		}
		conns := make([]*Conn, 0, len(nk.conns))
		for c := range nk.conns {
			if !c.Loopback() {
				conns = append(conns, c)
			}
		}
		nk.mu.Unlock()
		for _, c := range conns {
			frame := make([]byte, 4)
			copy(frame, empty[:])
			// Write errors surface through the conn's writer.
			_ = c.enqueue(frame)
		}
	}
}

// Shutdown closes the listener and every connection and stops the
// worker pool. It is idempotent.
func (nk *Networker) Shutdown() {
	nk.mu.Lock()
	if nk.closed {
		nk.mu.Unlock()
		return
	}
	nk.closed = true
	conns := make([]*Conn, 0, len(nk.conns))
	for c := range nk.conns {
		conns = append(conns, c)
	}
	nk.conns = make(map[*Conn]bool)
	l := nk.listener
	nk.qcond.Broadcast()
	nk.mu.Unlock()
	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.close()
	}
}

// Stats returns the networker's counters.
func (nk *Networker) Stats() stats.Values {
	return nk.stats.Snapshot()
}
