// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgas

import (
	"reflect"
	"testing"
)

func TestParseProperties(t *testing.T) {
	blob := "# generated\npcj.network.chunk.size=8192\n\n  pcj.alive.timeout = 3  \nbad line\npcj.alive.timeout=4\n"
	got := ParseProperties(blob)
	want := Properties{
		"pcj.network.chunk.size": "8192",
		"pcj.alive.timeout":      "4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParsePropertiesEmpty(t *testing.T) {
	if got := ParseProperties(""); len(got) != 0 {
		t.Errorf("got %v", got)
	}
}
