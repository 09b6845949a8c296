// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgascmd provides the entry point for pgas-based command
// line tools launched by the process deployer. The main entry point,
// pgascmd.Main, parses the launcher argument form and runs one node
// of the job.
//
// A pgascmd tool follows this form:
//
//	func main() {
//		pgascmd.Main(func(t *pgas.Thread) error {
//			// SPMD program, executed once per logical thread.
//			return nil
//		})
//	}
//
// The launcher invokes the same binary on every node as
//
//	prog <localPort> <node0Host> <node0Port> <totalThreadCount> <localThreadIDs> [propertiesBlob]
//
// where localThreadIDs is a comma-separated list of the global
// thread ids hosted by the node (an optional bracketed form
// "[0, 1]" is accepted). Because the job is SPMD, the program text
// itself stands in for the entry-class argument of other launchers.
package pgascmd

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas"
)

// Exit codes: 0 success, 1 launch or configuration failure, 2
// network failure, 3 user error propagated from the entry point.
const (
	exitOK = iota
	exitLaunch
	exitNetwork
	exitUser
)

// Main parses flags and launcher arguments, runs one node of the
// job, and terminates the process. It does not return.
func Main(start pgas.StartPoint) {
	log.AddFlags()
	flag.Parse()
	code, err := run(start, flag.Args())
	if err != nil {
		log.Error.Printf("pgas: %v", err)
	}
	os.Exit(code)
}

func run(start pgas.StartPoint, args []string) (int, error) {
	if len(args) < 5 {
		return exitLaunch, errors.E(errors.Precondition,
			"usage: prog <localPort> <node0Host> <node0Port> <totalThreadCount> <localThreadIDs> [propertiesBlob]")
	}
	localPort, err := strconv.Atoi(args[0])
	if err != nil {
		return exitLaunch, errors.E(errors.Precondition, "bad local port: "+args[0])
	}
	node0Host := args[1]
	node0Port, err := strconv.Atoi(args[2])
	if err != nil {
		return exitLaunch, errors.E(errors.Precondition, "bad node 0 port: "+args[2])
	}
	totalThreads, err := strconv.Atoi(args[3])
	if err != nil || totalThreads <= 0 {
		return exitLaunch, errors.E(errors.Precondition, "bad thread count: "+args[3])
	}
	threadIDs, err := parseThreadIDs(args[4])
	if err != nil {
		return exitLaunch, err
	}
	var props pgas.Properties
	if len(args) >= 6 {
		props = pgas.ParseProperties(args[5])
	}

	node0 := pgas.NodeAddr{Host: node0Host, Port: node0Port}
	current := pgas.NodeAddr{Host: "", Port: localPort}
	err = pgas.Start(start, node0, current, totalThreads, threadIDs, props)
	switch {
	case err == nil:
		return exitOK, nil
	case errors.Is(errors.Precondition, err):
		return exitLaunch, err
	case errors.Is(errors.Net, err), errors.Is(errors.Timeout, err):
		return exitNetwork, err
	default:
		return exitUser, err
	}
}

// parseThreadIDs parses "0,1,2" or "[0, 1, 2]".
func parseThreadIDs(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, errors.E(errors.Precondition, fmt.Sprintf("bad thread id %q", part))
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.E(errors.Precondition, "no local thread ids")
	}
	return ids, nil
}
