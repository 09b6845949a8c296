// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command pgas-sum runs the example id-summing job. It is launched by
// a deployer (or by hand) with the standard launcher arguments:
//
//	pgas-sum <localPort> <node0Host> <node0Port> <totalThreadCount> <localThreadIDs> [propertiesBlob]
package main

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/pgas/example"
	"github.com/grailbio/pgas/pgascmd"
)

func main() {
	pgascmd.Main(example.SumIDs(func(total int) {
		log.Printf("sum of thread ids: %d", total)
	}))
}
