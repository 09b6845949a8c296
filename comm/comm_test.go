// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/pgas/wire"
)

// testMsg is a trivial message carrying a sequence number and a
// payload string.
type testMsg struct {
	seq     int
	payload string
}

func (m *testMsg) Kind() byte { return 1 }

func (m *testMsg) Encode(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.seq)); err != nil {
		return err
	}
	return w.WriteString(m.payload)
}

// recorder collects decoded messages in arrival order.
type recorder struct {
	mu   sync.Mutex
	msgs []testMsg
	c    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{c: make(chan struct{}, 1024)}
}

func (h *recorder) HandleMessage(c *Conn, kind byte, r *wire.Reader) error {
	if kind != 1 {
		return fmt.Errorf("unexpected kind %d", kind)
	}
	seq, err := r.ReadInt32()
	if err != nil {
		return err
	}
	payload, err := r.ReadString()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.msgs = append(h.msgs, testMsg{int(seq), payload})
	h.mu.Unlock()
	h.c <- struct{}{}
	return nil
}

func (h *recorder) waitFor(t *testing.T, n int) []testMsg {
	t.Helper()
	timeout := time.After(30 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-h.c:
		case <-timeout:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]testMsg(nil), h.msgs...)
}

func TestLoopback(t *testing.T) {
	h := newRecorder()
	nk := New(h, Options{Workers: 2})
	nk.Start()
	defer nk.Shutdown()
	lo := nk.Loopback()
	if !lo.Loopback() {
		t.Fatal("not loopback")
	}
	if err := nk.Send(lo, &testMsg{seq: 1, payload: "self"}); err != nil {
		t.Fatal(err)
	}
	msgs := h.waitFor(t, 1)
	if msgs[0].seq != 1 || msgs[0].payload != "self" {
		t.Errorf("got %+v", msgs[0])
	}
}

func TestSocketFIFO(t *testing.T) {
	// A single worker guarantees handler order follows arrival
	// order, which in turn must follow enqueue order on one conn.
	h := newRecorder()
	server := New(h, Options{Workers: 1})
	server.Start()
	defer server.Shutdown()
	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}

	client := New(newRecorder(), Options{Workers: 1})
	client.Start()
	defer client.Shutdown()
	ctx := context.Background()
	conn, err := client.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		if err := client.Send(conn, &testMsg{seq: i, payload: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	msgs := h.waitFor(t, n)
	for i, m := range msgs {
		if m.seq != i {
			t.Fatalf("message %d has seq %d", i, m.seq)
		}
	}
}

func TestDialRetry(t *testing.T) {
	// The listener comes up only after the first dial attempts fail.
	h := newRecorder()
	server := New(h, Options{Workers: 1})
	server.Start()
	defer server.Shutdown()

	client := New(newRecorder(), Options{Workers: 1})
	client.Start()
	defer client.Shutdown()

	// Reserve a port, release it, and dial it before anything
	// listens: the dialer must retry until the bind below.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	addr := l.Addr().String()
	l.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := client.Dial(context.Background(), addr)
		if err != nil {
			done <- err
			return
		}
		done <- client.Send(conn, &testMsg{seq: 9, payload: "late"})
	}()
	time.Sleep(200 * time.Millisecond)
	if err := server.Bind("127.0.0.1", port); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	msgs := h.waitFor(t, 1)
	if msgs[0].seq != 9 {
		t.Errorf("got %+v", msgs[0])
	}
}

func TestConnError(t *testing.T) {
	h := newRecorder()
	server := New(h, Options{Workers: 1})
	server.Start()
	defer server.Shutdown()
	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	client := New(newRecorder(), Options{
		Workers: 1,
		OnError: func(c *Conn, err error) {
			select {
			case errc <- err:
			default:
			}
		},
	})
	client.Start()
	conn, err := client.Dial(context.Background(), server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Send(conn, &testMsg{seq: 0, payload: "x"}); err != nil {
		t.Fatal(err)
	}
	h.waitFor(t, 1)
	// Killing the server fails the client's connection.
	server.Shutdown()
	select {
	case <-errc:
	case <-time.After(30 * time.Second):
		t.Fatal("no connection error reported")
	}
	client.Shutdown()
}
