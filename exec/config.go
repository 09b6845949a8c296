// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"runtime"
	"strconv"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Config carries the runtime's tunables. The zero Config is not
// valid; use DefaultConfig or ConfigFromProperties.
type Config struct {
	// ChunkSize is the wire chunk size for object streams.
	ChunkSize int
	// Workers is the size of the message handler pool.
	Workers int
	// ShutdownTimeout is the grace period for the shutdown tree to
	// complete after the local program returns.
	ShutdownTimeout time.Duration
	// AliveTimeout is the peer liveness check interval. Zero
	// disables liveness checks.
	AliveTimeout time.Duration
}

// Property keys are stable external interface; they are read from the
// properties blob handed over by the process launcher.
const (
	chunkSizeProp       = "pcj.network.chunk.size"
	workersCountProp    = "pcj.network.workers.count"
	shutdownTimeoutProp = "pcj.network.shutdown.timeout"
	aliveTimeoutProp    = "pcj.alive.timeout"
)

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       16384,
		Workers:         runtime.NumCPU(),
		ShutdownTimeout: 10 * time.Second,
		AliveTimeout:    0,
	}
}

// ConfigFromProperties overlays the recognized property keys onto the
// defaults. Unrecognized keys are ignored so that user programs can
// share the same properties blob.
func ConfigFromProperties(props map[string]string) (Config, error) {
	cfg := DefaultConfig()
	if v, ok := props[chunkSizeProp]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, errors.E(errors.Precondition, "bad "+chunkSizeProp+": "+v)
		}
		cfg.ChunkSize = n
	}
	if v, ok := props[workersCountProp]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, errors.E(errors.Precondition, "bad "+workersCountProp+": "+v)
		}
		cfg.Workers = n
	}
	if v, ok := props[shutdownTimeoutProp]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, errors.E(errors.Precondition, "bad "+shutdownTimeoutProp+": "+v)
		}
		cfg.ShutdownTimeout = time.Duration(n) * time.Second
	}
	if v, ok := props[aliveTimeoutProp]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, errors.E(errors.Precondition, "bad "+aliveTimeoutProp+": "+v)
		}
		cfg.AliveTimeout = time.Duration(n) * time.Second
	}
	log.Debug.Printf("exec: config chunk=%s workers=%d shutdown=%s alive=%s",
		data.Size(cfg.ChunkSize), cfg.Workers, cfg.ShutdownTimeout, cfg.AliveTimeout)
	return cfg, nil
}
