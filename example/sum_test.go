// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package example

import (
	"testing"

	"github.com/grailbio/pgas"
)

func TestSumIDs(t *testing.T) {
	const n = 4
	total := -1
	addr := pgas.NodeAddr{Host: "127.0.0.1", Port: 0}
	err := pgas.Start(SumIDs(func(sum int) { total = sum }),
		addr, addr, n, []int{0, 1, 2, 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0+1+2+3 {
		t.Errorf("got %d, want 6", total)
	}
}
