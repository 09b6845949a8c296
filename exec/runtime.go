// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the pgas runtime engine: node bootstrap and
// topology, groups and their communication trees, the collective
// state machines, per-thread storage, and shutdown. Each node of a
// job is one Runtime; every Runtime owns its complete state, so
// multiple nodes can coexist in one process (the tests rely on this).
package exec

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/stats"
	"golang.org/x/sync/errgroup"
)

// NodeAddr identifies a node endpoint.
type NodeAddr struct {
	Host string
	Port int
}

func (a NodeAddr) String() string {
	return net.JoinHostPort(a.Host, fmt.Sprint(a.Port))
}

// nodeDesc describes one node in the job: its endpoint and the
// global ids of the threads it hosts. The slice of nodeDescs, indexed
// by physical id, is the job's node table; node 0 is its sole author.
type nodeDesc struct {
	Host      string
	Port      int
	ThreadIDs []int
}

// StartOptions parameterizes a runtime.
type StartOptions struct {
	// Main is the user entry point, run once per local thread.
	Main func(t *Thread) error
	// Node0 is the coordinator's advertised endpoint.
	Node0 NodeAddr
	// Current is this node's endpoint. A node whose Current port
	// equals Node0's port, with Node0 on a local host, is node 0 and
	// binds Node0's port. Any other node binds Current's port; port
	// zero binds an ephemeral port, which the node reports to node 0
	// when it registers.
	Current NodeAddr
	// TotalThreads is the job-wide thread count.
	TotalThreads int
	// LocalThreadIDs are the global ids of the threads hosted here.
	LocalThreadIDs []int
	// Config holds the runtime tunables; zero fields take defaults.
	Config Config
}

// helloState tracks bootstrap progress; see bootstrap.go for the
// protocol.
type helloState struct {
	accounted     int // node 0: threads registered so far
	tableSent     bool
	completedSent bool
	goCount       int // node 0: nodes that reported mesh completion
	meshInArrived int
	meshOutDone   bool
	goSent        bool
	assigned      *Future
	completed     *Future
}

// byeState implements the shutdown tree over physical ids. The
// counter starts at #children+1; the local program's completion and
// each child's Bye decrement it once.
type byeState struct {
	count     int32
	completed *Future
}

// A Runtime is one node's instance of the job: it owns the node
// table, the local threads, all groups known to this node, and the
// messaging substrate.
type Runtime struct {
	cfg   Config
	main  func(t *Thread) error
	nk    *comm.Networker
	stats *stats.Map

	ctx    context.Context
	cancel context.CancelFunc

	node0Addr      NodeAddr
	currentAddr    NodeAddr
	isNode0        bool
	totalThreads   int
	localThreadIDs []int

	mu           sync.Mutex
	physicalID   int
	numNodes     int
	nodes        []nodeDesc
	conns        map[int]*comm.Conn
	node0Conn    *comm.Conn
	threadNode   map[int]int // global thread id -> physical id
	threads      map[int]*Thread
	groupsByID   map[int]*Group
	groupsByName map[string]*Group
	groupCounter int
	abortErr     error

	hello helloState
	bye   byeState
	joins joinCoordinator

	// asyncLimiter bounds concurrently running user functions
	// invoked by asyncAt handlers.
	asyncLimiter *limiter.Limiter
}

// Start runs a node of a pgas job: it joins the peer mesh, runs the
// user entry point on every local thread, and participates in the
// shutdown tree. It returns when the job is complete on this node.
func Start(opts StartOptions) error {
	r, err := newRuntime(opts)
	if err != nil {
		return err
	}
	return r.run()
}

func newRuntime(opts StartOptions) (*Runtime, error) {
	if opts.Main == nil {
		return nil, errors.E(errors.Precondition, "no entry point")
	}
	if opts.TotalThreads <= 0 || len(opts.LocalThreadIDs) == 0 {
		return nil, errors.E(errors.Precondition, "no threads to run")
	}
	if len(opts.LocalThreadIDs) > opts.TotalThreads {
		return nil, errors.E(errors.Precondition, "more local threads than total")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:            cfg,
		main:           opts.Main,
		stats:          stats.NewMap(),
		ctx:            ctx,
		cancel:         cancel,
		node0Addr:      opts.Node0,
		currentAddr:    opts.Current,
		totalThreads:   opts.TotalThreads,
		localThreadIDs: append([]int(nil), opts.LocalThreadIDs...),
		physicalID:     -1,
		conns:          make(map[int]*comm.Conn),
		threadNode:     make(map[int]int),
		threads:        make(map[int]*Thread),
		groupsByID:     make(map[int]*Group),
		groupsByName:   make(map[string]*Group),
	}
	r.isNode0 = opts.Current.Port == opts.Node0.Port && isLocalAddr(opts.Node0.Host)
	r.hello.assigned = newFuture()
	r.hello.completed = newFuture()
	r.bye.completed = newFuture()
	r.joins.init()
	r.asyncLimiter = limiter.New()
	r.asyncLimiter.Release(runtime.NumCPU())
	r.nk = comm.New(r, comm.Options{
		Workers:       cfg.Workers,
		ChunkSize:     cfg.ChunkSize,
		AliveInterval: cfg.AliveTimeout,
		OnError:       r.connError,
		Stats:         r.stats,
	})
	return r, nil
}

// isLocalAddr tells whether host names this machine.
func isLocalAddr(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	if name, err := os.Hostname(); err == nil && name == host {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.String() == host {
			return true
		}
	}
	return false
}

func (r *Runtime) run() error {
	if err := r.nk.Bind("", portOf(r)); err != nil {
		return err
	}
	r.nk.Start()
	log.Printf("pgas: node starting at %v; node 0 at %s", r.nk.Addr(), r.node0Addr)
	if r.isNode0 {
		r.mu.Lock()
		r.registerNodeLocked(nodeDesc{
			Host:      r.node0Addr.Host,
			Port:      r.nk.Port(),
			ThreadIDs: r.localThreadIDs,
		}, r.nk.Loopback())
		r.mu.Unlock()
	} else {
		if err := r.joinJob(); err != nil {
			r.nk.Shutdown()
			return err
		}
	}
	if _, err := r.hello.completed.Wait(r.ctx); err != nil {
		r.nk.Shutdown()
		return r.runError(err)
	}
	r.mu.Lock()
	id, n := r.physicalID, r.numNodes
	threads := make([]*Thread, 0, len(r.threads))
	for _, th := range r.threads {
		threads = append(threads, th)
	}
	r.mu.Unlock()
	log.Printf("pgas: node %d of %d up; %d local threads", id, n, len(threads))

	var g errgroup.Group
	for _, th := range threads {
		th := th
		g.Go(func() error {
			return r.runThread(th)
		})
	}
	userErr := g.Wait()

	r.byeNodeProcessed()
	waitCtx, cancelWait := context.WithTimeout(r.ctx, r.cfg.ShutdownTimeout)
	_, byeErr := r.bye.completed.Wait(waitCtx)
	cancelWait()
	if byeErr == nil {
		if id == 0 {
			log.Printf("pgas: ByeCompleted")
		}
		// Linger briefly so that in-flight shutdown messages drain to
		// peers whose trees complete just after ours.
		time.Sleep(50 * time.Millisecond)
	}
	log.Debug.Printf("pgas: node %d stats: %v", id, r.stats.Snapshot())
	r.nk.Shutdown()
	if userErr != nil {
		return userErr
	}
	if err := r.abortError(); err != nil {
		return err
	}
	if byeErr != nil {
		return errors.E(errors.Timeout, "shutdown incomplete", byeErr)
	}
	return nil
}

func portOf(r *Runtime) int {
	if r.isNode0 {
		return r.node0Addr.Port
	}
	return r.currentAddr.Port
}

func (r *Runtime) runThread(th *Thread) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(fmt.Sprintf("thread %d panicked: %v", th.globalID, e))
		}
	}()
	log.Debug.Printf("pgas: thread %d starting", th.globalID)
	return r.main(th)
}

// runError maps a wait failure to the job's failure cause, if any.
func (r *Runtime) runError(err error) error {
	if aerr := r.abortError(); aerr != nil {
		return aerr
	}
	return errors.E(errors.Net, "bootstrap incomplete", err)
}

// wait blocks on f, substituting the job's abort cause when the
// runtime context is canceled underneath the waiter.
func (r *Runtime) wait(ctx context.Context, f *Future) (interface{}, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		if aerr := r.abortError(); aerr != nil {
			return nil, aerr
		}
	}
	return v, err
}

// connError implements the fail-fast policy: node 0 aborts the whole
// job (closing its sockets fails every peer), any other node aborts
// locally.
func (r *Runtime) connError(c *comm.Conn, err error) {
	// Peers close their sockets as they exit; after the shutdown
	// tree has completed, losing a connection is expected.
	if r.bye.completed.Done() {
		log.Debug.Printf("pgas: ignoring %s failure after shutdown: %v", c, err)
		return
	}
	if r.isNode0 {
		log.Error.Printf("pgas: peer %s failed; aborting job: %v", c, err)
	} else {
		log.Error.Printf("pgas: connection %s failed; aborting node: %v", c, err)
	}
	r.abort(err)
}

func (r *Runtime) abort(err error) {
	r.mu.Lock()
	if r.abortErr == nil {
		r.abortErr = err
	}
	r.mu.Unlock()
	r.cancel()
	r.nk.Shutdown()
}

func (r *Runtime) abortError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortErr
}

// Stats returns the runtime's counters.
func (r *Runtime) Stats() stats.Values {
	return r.stats.Snapshot()
}

// setupLocked is called, with r.mu held, once the node table is
// final: it derives the thread-to-node map, creates the global group
// and the local threads, and arms the shutdown tree. It runs before
// any peer can legally send collective traffic to this node.
func (r *Runtime) setupLocked() {
	r.numNodes = len(r.nodes)
	r.threadNode = make(map[int]int)
	for i, n := range r.nodes {
		for _, tid := range n.ThreadIDs {
			r.threadNode[tid] = i
		}
	}
	r.conns[r.physicalID] = r.nk.Loopback()
	g := newGroup(r, GlobalGroupID, GlobalGroupName, 0)
	tm := make(map[int]int, len(r.threadNode))
	for tid := range r.threadNode {
		tm[tid] = tid
	}
	g.updateThreads(tm)
	r.groupsByID[g.id] = g
	r.groupsByName[g.name] = g
	r.groupCounter = 1
	for _, tid := range r.localThreadIDs {
		r.threads[tid] = newThread(r, tid, g)
	}
	children := len(physChildren(r.physicalID, r.numNodes))
	atomic.StoreInt32(&r.bye.count, int32(children+1))
}

// physChildren returns the children of node id in the binary heap
// over all physical ids, used by the shutdown tree.
func physChildren(id, numNodes int) []int {
	var children []int
	if c := 2*id + 1; c < numNodes {
		children = append(children, c)
	}
	if c := 2*id + 2; c < numNodes {
		children = append(children, c)
	}
	return children
}

// nodeConn returns the connection to the given physical id; the
// connection to the node itself is the loopback.
func (r *Runtime) nodeConn(phys int) (*comm.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[phys]
	if c == nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("no connection to node %d", phys))
	}
	return c, nil
}

func (r *Runtime) sendToNode(phys int, m message) error {
	c, err := r.nodeConn(phys)
	if err != nil {
		return err
	}
	return r.send(c, m)
}

func (r *Runtime) send(c *comm.Conn, m message) error {
	r.stats.Int("send.messages").Add(1)
	return r.nk.Send(c, m)
}

// homeOf returns the physical id hosting the given global thread.
func (r *Runtime) homeOf(globalID int) (int, *wireError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	phys, ok := r.threadNode[globalID]
	if !ok {
		return -1, unknownThread(globalID)
	}
	return phys, nil
}

func (r *Runtime) threadByID(globalID int) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[globalID]
}

func (r *Runtime) groupByID(id int) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groupsByID[id]
}

// ensureGroup returns the local image of the given group, creating an
// empty one if this node has not seen it yet. Group masters are
// always node 0.
func (r *Runtime) ensureGroup(id int, name string) *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groupsByID[id]
	if g == nil {
		g = newGroup(r, id, name, 0)
		r.groupsByID[id] = g
		r.groupsByName[name] = g
	}
	return g
}

func (r *Runtime) currentPhysicalID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.physicalID
}

// ThreadCount returns the job-wide thread count.
func (r *Runtime) ThreadCount() int {
	return r.totalThreads
}
