// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package deploy

import (
	"context"
	"testing"
)

func TestThreadIDList(t *testing.T) {
	if got, want := threadIDList([]int{3, 0, 2}), "0,2,3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := threadIDList(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestPropsBlob(t *testing.T) {
	got := propsBlob(map[string]string{
		"b.key": "2",
		"a.key": "1",
	})
	if want := "a.key=1\nb.key=2"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := propsBlob(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestRunEmptyPlan(t *testing.T) {
	if err := Run(context.Background(), nil, nil); err == nil {
		t.Error("expected error for empty plan")
	}
}
