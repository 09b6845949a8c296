// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package deploy launches a pgas job: it spawns the current binary on
// every node of a node plan, local nodes by direct execution and
// remote ones over ssh, passing each the launcher argument form
// understood by pgascmd. Deployment is a boundary concern: the
// runtime itself never launches processes.
package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// A Node describes one process of the job plan.
type Node struct {
	// Host is the node's hostname; empty, "localhost" and
	// "127.0.0.1" mean the local machine.
	Host string
	// Port is the port the node binds.
	Port int
	// ThreadIDs are the global thread ids the node hosts.
	ThreadIDs []int
}

func (n Node) local() bool {
	switch n.Host {
	case "", "localhost", "127.0.0.1":
		return true
	}
	return false
}

// Run spawns the job's processes and waits for all of them to exit.
// The first node of the plan is node 0. Props is rendered into the
// properties-blob argument. Run returns the first failure, if any;
// remaining processes are not killed on failure, matching the
// fail-fast behavior of the runtime itself (a dead peer aborts the
// others).
func Run(ctx context.Context, nodes []Node, props map[string]string) error {
	if len(nodes) == 0 {
		return errors.E(errors.Precondition, "empty node plan")
	}
	binary, err := os.Executable()
	if err != nil {
		return err
	}
	total := 0
	for _, n := range nodes {
		total += len(n.ThreadIDs)
	}
	blob := propsBlob(props)
	node0 := nodes[0]
	return traverse.Each(len(nodes), func(i int) error {
		n := nodes[i]
		args := []string{
			fmt.Sprint(n.Port),
			node0.Host,
			fmt.Sprint(node0.Port),
			fmt.Sprint(total),
			threadIDList(n.ThreadIDs),
		}
		if blob != "" {
			args = append(args, blob)
		}
		var cmd *exec.Cmd
		if n.local() {
			cmd = exec.CommandContext(ctx, binary, args...)
		} else {
			sshArgs := []string{"-o", "BatchMode=yes", n.Host, binary}
			for _, a := range args {
				sshArgs = append(sshArgs, "'"+a+"'")
			}
			cmd = exec.CommandContext(ctx, "ssh", sshArgs...)
		}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		log.Debug.Printf("deploy: starting node %d: %s", i, strings.Join(cmd.Args, " "))
		if err := cmd.Run(); err != nil {
			return errors.E(fmt.Sprintf("node %d (%s:%d)", i, n.Host, n.Port), err)
		}
		return nil
	})
}

func threadIDList(ids []int) string {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

func propsBlob(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + props[k]
	}
	return strings.Join(lines, "\n")
}
