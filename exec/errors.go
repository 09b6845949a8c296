// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pgas/wire"
)

// errCode identifies a handler-side failure on the wire. Codes are
// stable: replies carry them between nodes.
type errCode uint8

const (
	errOK errCode = iota
	errNoSuchStorage
	errNoSuchVariable
	errTypeMismatch
	errUnknownGroup
	errUnknownThread
	errUser
)

// wireError is a failure that travels in a reply message. It is the
// internal form; user-visible errors are produced by Err so that
// callers can test kinds with errors.Is.
type wireError struct {
	code errCode
	msg  string
}

func (e *wireError) Error() string { return e.msg }

func (e *wireError) kind() errors.Kind {
	switch e.code {
	case errNoSuchStorage, errNoSuchVariable, errUnknownGroup, errUnknownThread:
		return errors.NotExist
	case errTypeMismatch:
		return errors.Invalid
	default:
		return errors.Remote
	}
}

// Err returns the user-visible error for e, or nil if e is nil.
func (e *wireError) Err() error {
	if e == nil {
		return nil
	}
	return errors.E(e.kind(), e.msg)
}

// orNil returns e as an error, mapping a nil *wireError to a nil
// error interface.
func (e *wireError) orNil() error {
	if e == nil {
		return nil
	}
	return e
}

func noSuchStorage(name string) *wireError {
	return &wireError{errNoSuchStorage, "no such storage: " + name}
}

func noSuchVariable(storage, name string) *wireError {
	return &wireError{errNoSuchVariable, "no such variable: " + storage + "." + name}
}

func typeMismatch(storage, name string, detail interface{}) *wireError {
	return &wireError{errTypeMismatch, fmt.Sprintf("type mismatch on %s.%s: %v", storage, name, detail)}
}

func unknownGroup(id int) *wireError {
	return &wireError{errUnknownGroup, fmt.Sprintf("unknown group: %d", id)}
}

func unknownGroupName(name string) *wireError {
	return &wireError{errUnknownGroup, "unknown group: " + name}
}

func unknownThread(id int) *wireError {
	return &wireError{errUnknownThread, fmt.Sprintf("unknown thread: %d", id)}
}

// unknownOpErr reports an op name with no registration. It is a
// local configuration error, not a wire error: registries are
// identical across an SPMD job, so the op would be unknown at the
// target too.
func unknownOpErr(name string) error {
	return errors.E(errors.Precondition, "unregistered op: "+name)
}

// userError wraps a failure from user code running in a handler,
// carrying the remote stack back to the requester.
func userError(e interface{}) *wireError {
	return &wireError{errUser, fmt.Sprintf("remote user error: %v\n%s", e, debug.Stack())}
}

// writeError encodes err, which may be nil, as a (code, message)
// pair. Errors other than wireError report as user errors.
func writeError(w *wire.Writer, err error) error {
	code, msg := errOK, ""
	if err != nil {
		if werr, ok := err.(*wireError); ok {
			code, msg = werr.code, werr.msg
		} else {
			code, msg = errUser, err.Error()
		}
	}
	if err := w.WriteByte(byte(code)); err != nil {
		return err
	}
	return w.WriteString(msg)
}

// readError decodes a (code, message) pair written by writeError,
// returning nil for errOK.
func readError(r *wire.Reader) (*wireError, error) {
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	msg, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	if errCode(code) == errOK {
		return nil, nil
	}
	return &wireError{errCode(code), msg}, nil
}
