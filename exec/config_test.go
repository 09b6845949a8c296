// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := ConfigFromProperties(nil)
	assert.NoError(t, err)
	expect.EQ(t, cfg.ChunkSize, 16384)
	expect.EQ(t, cfg.ShutdownTimeout, 10*time.Second)
	expect.EQ(t, cfg.AliveTimeout, time.Duration(0))
	if cfg.Workers <= 0 {
		t.Errorf("workers %d", cfg.Workers)
	}
}

func TestConfigOverlay(t *testing.T) {
	cfg, err := ConfigFromProperties(map[string]string{
		"pcj.network.chunk.size":       "1024",
		"pcj.network.workers.count":    "3",
		"pcj.network.shutdown.timeout": "30",
		"pcj.alive.timeout":            "5",
		"unrelated.key":                "ignored",
	})
	assert.NoError(t, err)
	expect.EQ(t, cfg, Config{
		ChunkSize:       1024,
		Workers:         3,
		ShutdownTimeout: 30 * time.Second,
		AliveTimeout:    5 * time.Second,
	})
}

func TestConfigBadValue(t *testing.T) {
	for _, props := range []map[string]string{
		{"pcj.network.chunk.size": "zero"},
		{"pcj.network.chunk.size": "-1"},
		{"pcj.network.workers.count": "0"},
		{"pcj.network.shutdown.timeout": "x"},
		{"pcj.alive.timeout": "-2"},
	} {
		if _, err := ConfigFromProperties(props); !errors.Is(errors.Precondition, err) {
			t.Errorf("%v: got %v", props, err)
		}
	}
}
