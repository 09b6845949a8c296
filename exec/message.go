// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/pgas/comm"
	"github.com/grailbio/pgas/wire"
)

// Message kinds. The numeric values are part of the wire protocol
// and must never be reordered.
const (
	kindHello byte = iota
	kindHelloResponse
	kindHelloCompleted
	kindHelloGo
	kindBarrierGo
	kindBarrierWaiting
	kindBroadcastRequest
	kindBroadcastBytes
	kindBroadcastInform
	kindCollectRequest
	kindCollectValue
	kindReduceRequest
	kindReduceValue
	kindGroupJoinRequest
	kindGroupJoinResponse
	kindGroupJoinInform
	kindGroupJoinConfirm
	kindGetRequest
	kindGetReply
	kindPutRequest
	kindPutReply
	kindAccumulateRequest
	kindAccumulateReply
	kindAsyncAtRequest
	kindAsyncAtReply
	kindBye
	kindByeCompleted
	maxKind
)

// A message is a typed wire record. Messages encode their payload for
// transmission and decode it inside execute, which runs on a comm
// worker at the receiving node. A message instance is used for one
// send or one receive, never both.
type message interface {
	comm.Message
	execute(r *Runtime, c *comm.Conn, d *wire.Reader) error
}

// constructors builds a fresh, empty message for each inbound kind.
var constructors = [maxKind]func() message{
	kindHello:             func() message { return new(helloMsg) },
	kindHelloResponse:     func() message { return new(helloResponseMsg) },
	kindHelloCompleted:    func() message { return new(helloCompletedMsg) },
	kindHelloGo:           func() message { return new(helloGoMsg) },
	kindBarrierGo:         func() message { return new(barrierGoMsg) },
	kindBarrierWaiting:    func() message { return new(barrierWaitingMsg) },
	kindBroadcastRequest:  func() message { return new(broadcastRequestMsg) },
	kindBroadcastBytes:    func() message { return new(broadcastBytesMsg) },
	kindBroadcastInform:   func() message { return new(broadcastInformMsg) },
	kindCollectRequest:    func() message { return new(collectRequestMsg) },
	kindCollectValue:      func() message { return new(collectValueMsg) },
	kindReduceRequest:     func() message { return new(reduceRequestMsg) },
	kindReduceValue:       func() message { return new(reduceValueMsg) },
	kindGroupJoinRequest:  func() message { return new(groupJoinRequestMsg) },
	kindGroupJoinResponse: func() message { return new(groupJoinResponseMsg) },
	kindGroupJoinInform:   func() message { return new(groupJoinInformMsg) },
	kindGroupJoinConfirm:  func() message { return new(groupJoinConfirmMsg) },
	kindGetRequest:        func() message { return new(getRequestMsg) },
	kindGetReply:          func() message { return new(getReplyMsg) },
	kindPutRequest:        func() message { return new(putRequestMsg) },
	kindPutReply:          func() message { return new(putReplyMsg) },
	kindAccumulateRequest: func() message { return new(accumulateRequestMsg) },
	kindAccumulateReply:   func() message { return new(accumulateReplyMsg) },
	kindAsyncAtRequest:    func() message { return new(asyncAtRequestMsg) },
	kindAsyncAtReply:      func() message { return new(asyncAtReplyMsg) },
	kindBye:               func() message { return new(byeMsg) },
	kindByeCompleted:      func() message { return new(byeCompletedMsg) },
}

// HandleMessage implements comm.Handler: it constructs the message
// for the inbound kind and executes it. Malformed kinds are fatal to
// the stream's interpretation and surface as malformed-message
// errors.
func (r *Runtime) HandleMessage(c *comm.Conn, kind byte, d *wire.Reader) error {
	if kind >= maxKind || constructors[kind] == nil {
		return wire.Malformed(fmt.Errorf("unknown message kind %d", kind))
	}
	m := constructors[kind]()
	r.stats.Int("recv.messages").Add(1)
	return m.execute(r, c, d)
}
