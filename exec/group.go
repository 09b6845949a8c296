// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sort"
	"sync"
)

// The global group exists before user code runs and contains every
// thread; its group-thread ids equal global thread ids.
const (
	GlobalGroupID   = 0
	GlobalGroupName = ""
)

// A Group is a node's image of a named thread group: the mapping
// between group-thread ids and global thread ids, the set of group
// threads local to this node, and the group's communication tree.
// One Group is shared by all local threads; per-thread access goes
// through GroupView.
type Group struct {
	r    *Runtime
	id   int
	name string

	mu         sync.Mutex
	threads    map[int]int // group thread id -> global thread id
	byGlobal   map[int]int // global thread id -> group thread id
	nextThread int         // master-side allocation counter
	localIDs   []int       // sorted group-thread ids homed here
	masterNode int
	parentNode int
	childNodes []int

	barrier   barrierStates
	broadcast broadcastStates
	reduce    reduceStates
	collect   collectStates
}

func newGroup(r *Runtime, id int, name string, masterNode int) *Group {
	g := &Group{
		r:          r,
		id:         id,
		name:       name,
		threads:    make(map[int]int),
		byGlobal:   make(map[int]int),
		masterNode: masterNode,
		parentNode: -1,
	}
	g.barrier.init()
	g.broadcast.init()
	g.reduce.init()
	g.collect.init()
	return g
}

// ID returns the group's id.
func (g *Group) ID() int { return g.id }

// Name returns the group's name; the global group's name is empty.
func (g *Group) Name() string { return g.name }

// Size returns the group's member count.
func (g *Group) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.threads)
}

// GlobalThreadID maps a group-thread id to its global id.
func (g *Group) GlobalThreadID(groupTid int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	global, ok := g.threads[groupTid]
	if !ok {
		return -1, unknownThread(groupTid).Err()
	}
	return global, nil
}

// GroupThreadID maps a global thread id to its id within the group.
// A global id maps to at most one group-thread id; an absent mapping
// reports an unknown thread.
func (g *Group) GroupThreadID(globalID int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tid, ok := g.byGlobal[globalID]
	if !ok {
		return -1, unknownThread(globalID).Err()
	}
	return tid, nil
}

// threadsCopy snapshots the group's thread mapping.
func (g *Group) threadsCopy() map[int]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := make(map[int]int, len(g.threads))
	for k, v := range g.threads {
		m[k] = v
	}
	return m
}

// addThread allocates a fresh group-thread id for globalID and
// records it. Called only on the group master. If globalID is
// already a member its existing id is returned.
func (g *Group) addThread(globalID int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tid, ok := g.byGlobal[globalID]; ok {
		return tid
	}
	tid := g.nextThread
	g.nextThread++
	g.threads[tid] = globalID
	g.byGlobal[globalID] = tid
	g.recomputeLocked()
	return tid
}

// updateThreads merges a thread mapping published by the master.
// Mappings are monotonic: threads only join.
func (g *Group) updateThreads(m map[int]int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for tid, global := range m {
		g.threads[tid] = global
		g.byGlobal[global] = tid
		if tid >= g.nextThread {
			g.nextThread = tid + 1
		}
	}
	g.recomputeLocked()
}

// recomputeLocked rederives the local id set and the communication
// tree from the member mapping. The tree is a binary heap over the
// distinct physical ids hosting members: master node first, then
// nodes in ascending group-thread-id order; parent of index i is
// (i-1)/2, children are 2i+1 and 2i+2. g.mu must be held.
func (g *Group) recomputeLocked() {
	// physicalID and threadNode are written during bootstrap, before
	// any group can change, and are frozen afterwards; they are read
	// here without r.mu, which the bootstrap path holds while
	// creating the global group.
	current := g.r.physicalID

	tids := make([]int, 0, len(g.threads))
	for tid := range g.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)

	g.localIDs = g.localIDs[:0]
	seen := map[int]bool{g.masterNode: true}
	physicalIDs := []int{g.masterNode}
	for _, tid := range tids {
		phys, ok := g.r.threadNode[g.threads[tid]]
		if !ok {
			continue
		}
		if !seen[phys] {
			seen[phys] = true
			physicalIDs = append(physicalIDs, phys)
		}
		if phys == current {
			g.localIDs = append(g.localIDs, tid)
		}
	}

	g.parentNode = -1
	g.childNodes = nil
	index := -1
	for i, phys := range physicalIDs {
		if phys == current {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}
	if index > 0 {
		g.parentNode = physicalIDs[(index-1)/2]
	}
	if c := 2*index + 1; c < len(physicalIDs) {
		g.childNodes = append(g.childNodes, physicalIDs[c])
	}
	if c := 2*index + 2; c < len(physicalIDs) {
		g.childNodes = append(g.childNodes, physicalIDs[c])
	}
}

// topology snapshots the group's tree links and local member ids.
func (g *Group) topology() (master, parent int, children, localIDs []int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	children = append([]int(nil), g.childNodes...)
	localIDs = append([]int(nil), g.localIDs...)
	return g.masterNode, g.parentNode, children, localIDs
}

// A GroupView is one thread's handle on a group. Collective
// operations are issued through views; the view carries the thread's
// group-local id and its request numbering. Views are confined to
// their thread: a view must not be shared between threads.
type GroupView struct {
	g             *Group
	t             *Thread
	groupThreadID int
	barrierRound  int
}

// Group returns the underlying group.
func (v *GroupView) Group() *Group { return v.g }

// ID returns the thread's id within the group.
func (v *GroupView) ID() int { return v.groupThreadID }

// Size returns the group's member count.
func (v *GroupView) Size() int { return v.g.Size() }

// Name returns the group's name.
func (v *GroupView) Name() string { return v.g.name }
