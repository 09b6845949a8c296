// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgas

import (
	"strings"

	"github.com/grailbio/pgas/exec"
)

// A StartPoint is the user entry point, invoked once on every logical
// thread of the job.
type StartPoint func(t *Thread) error

// Thread is a logical SPMD execution context; see exec.Thread.
type Thread = exec.Thread

// Group is a thread's handle on a group; see exec.GroupView.
type Group = exec.GroupView

// Future is a one-shot completion slot; see exec.Future.
type Future = exec.Future

// NodeAddr identifies a node endpoint.
type NodeAddr = exec.NodeAddr

// Properties is a parsed launcher properties blob.
type Properties map[string]string

// ParseProperties parses a Java-properties-style blob: key=value
// lines, #-comments, last value wins.
func ParseProperties(blob string) Properties {
	props := make(Properties)
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		props[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
	}
	return props
}

// RegisterOp registers an associative binary function for use with
// reduce and accumulate. Registration must be identical on every
// node.
func RegisterOp(name string, op func(a, b interface{}) interface{}) {
	exec.RegisterOp(name, op)
}

// RegisterFunc registers a function for remote invocation with
// AsyncAt. Registration must be identical on every node.
func RegisterFunc(name string, f func(t *Thread, arg interface{}) (interface{}, error)) {
	exec.RegisterFunc(name, f)
}

// Start runs one node of a pgas job: it joins the peer mesh rooted
// at node0, runs start on every local thread, and returns when the
// job has shut down on this node. totalThreads is the job-wide
// thread count; localThreadIDs are the global ids hosted by this
// process.
func Start(start StartPoint, node0, current NodeAddr, totalThreads int, localThreadIDs []int, props Properties) error {
	cfg, err := exec.ConfigFromProperties(props)
	if err != nil {
		return err
	}
	return exec.Start(exec.StartOptions{
		Main:           start,
		Node0:          node0,
		Current:        current,
		TotalThreads:   totalThreads,
		LocalThreadIDs: localThreadIDs,
		Config:         cfg,
	})
}
