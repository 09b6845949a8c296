// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package example

import (
	"github.com/grailbio/pgas"
)

func init() {
	pgas.RegisterOp("example.sum", func(a, b interface{}) interface{} {
		return a.(int) + b.(int)
	})
}

// SumIDs is an SPMD program in which every thread contributes its
// global id and thread 0 reports the reduced sum. It illustrates the
// storage, barrier and reduce APIs; see sum_test.go.
func SumIDs(report func(total int)) pgas.StartPoint {
	return func(t *pgas.Thread) error {
		t.Register("example", "id")
		if err := t.Put("example", "id", t.ID()); err != nil {
			return err
		}
		g := t.Global()
		if err := g.Barrier(); err != nil {
			return err
		}
		if t.ID() != 0 {
			return nil
		}
		v, err := g.Reduce("example.sum", "example", "id").Wait(t.Context())
		if err != nil {
			return err
		}
		report(v.(int))
		return nil
	}
}
