// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgas implements a partitioned-global-address-space runtime
// for SPMD parallel jobs. A job comprises a set of logical threads
// spread across cluster nodes; every thread runs the same entry
// point, owns a private storage of named variables, and communicates
// through one-sided gets and puts, broadcasts, barriers and
// reductions over named groups.
//
// A minimal program:
//
//	func main() {
//		pgascmd.Main(func(t *pgas.Thread) error {
//			t.Register("shared", "x")
//			g := t.Global()
//			if t.ID() == 0 {
//				if _, err := g.Broadcast("shared", "x", 42).Wait(t.Context()); err != nil {
//					return err
//				}
//			}
//			if err := g.Barrier(); err != nil {
//				return err
//			}
//			v, err := t.Get("shared", "x")
//			...
//		})
//	}
//
// Collective operations return futures; Wait blocks the calling
// thread until the collective engine signals completion. Reductions
// and remote invocations refer to functions by registration name:
// because every node runs the same binary, identical registrations
// are available everywhere.
package pgas
