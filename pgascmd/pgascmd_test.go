// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pgascmd

import (
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pgas"
)

func TestParseThreadIDs(t *testing.T) {
	for _, c := range []struct {
		in   string
		want []int
	}{
		{"0", []int{0}},
		{"0,1,2", []int{0, 1, 2}},
		{"[0, 1, 2]", []int{0, 1, 2}},
		{" [3,4] ", []int{3, 4}},
	} {
		got, err := parseThreadIDs(c.in)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%q: got %v, want %v", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"", "[]", "a,b", "1,-2"} {
		if _, err := parseThreadIDs(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestRunUsage(t *testing.T) {
	noop := pgas.StartPoint(func(*pgas.Thread) error { return nil })
	for _, args := range [][]string{
		nil,
		{"badport", "host", "1234", "4", "0,1"},
		{"0", "host", "badport", "4", "0,1"},
		{"0", "host", "1234", "none", "0,1"},
		{"0", "host", "1234", "4", "x"},
	} {
		code, err := run(noop, args)
		if code != exitLaunch || !errors.Is(errors.Precondition, err) {
			t.Errorf("%v: code %d err %v", args, code, err)
		}
	}
}
