// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	"github.com/grailbio/base/must"
)

// An Op is an associative binary function used by reduce and
// accumulate. Because an SPMD job runs the same binary everywhere,
// ops are shipped between nodes by registration name, never by value.
type Op func(a, b interface{}) interface{}

// A RemoteFunc is a function that can be invoked on a remote thread
// by AsyncAt. Like ops, remote funcs travel by name.
type RemoteFunc func(t *Thread, arg interface{}) (interface{}, error)

var (
	registryMu sync.Mutex
	ops        = make(map[string]Op)
	funcs      = make(map[string]RemoteFunc)
)

// RegisterOp registers op under the given name. Registration must
// happen identically on every node, typically from package init or
// before Start. RegisterOp panics if the name is already taken.
func RegisterOp(name string, op Op) {
	registryMu.Lock()
	defer registryMu.Unlock()
	_, ok := ops[name]
	must.True(!ok, "op already registered: ", name)
	must.True(op != nil, "nil op: ", name)
	ops[name] = op
}

// RegisterFunc registers f under the given name for use with
// AsyncAt. RegisterFunc panics if the name is already taken.
func RegisterFunc(name string, f RemoteFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	_, ok := funcs[name]
	must.True(!ok, "func already registered: ", name)
	must.True(f != nil, "nil func: ", name)
	funcs[name] = f
}

func lookupOp(name string) (Op, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	op, ok := ops[name]
	return op, ok
}

func lookupFunc(name string) (RemoteFunc, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := funcs[name]
	return f, ok
}
