// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"io"

	"github.com/grailbio/base/errors"
)

// chunkWriter frames a byte stream as a sequence of
// (uint32 length, payload) chunks terminated by a zero-length chunk.
// Bytes are buffered until a full chunk accumulates, so arbitrarily
// large objects stream through a fixed-size buffer.
type chunkWriter struct {
	w      *Writer
	buf    []byte
	n      int
	closed bool
}

func newChunkWriter(w *Writer, chunkSize int) *chunkWriter {
	return &chunkWriter{w: w, buf: make([]byte, chunkSize)}
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := copy(c.buf[c.n:], p)
		c.n += n
		p = p[n:]
		if c.n == len(c.buf) {
			if err := c.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (c *chunkWriter) flush() error {
	if c.n == 0 {
		return nil
	}
	if err := c.w.WriteUint32(uint32(c.n)); err != nil {
		return err
	}
	if err := c.w.write(c.buf[:c.n]); err != nil {
		return err
	}
	c.n = 0
	return nil
}

// Close flushes any buffered bytes and writes the zero-length
// terminator chunk.
func (c *chunkWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.flush(); err != nil {
		return err
	}
	return c.w.WriteUint32(0)
}

// chunkReader reassembles a chunked stream written by chunkWriter,
// presenting it as an io.Reader that returns io.EOF at the
// terminator.
type chunkReader struct {
	r    *Reader
	left int
	eof  bool
}

func newChunkReader(r *Reader) *chunkReader {
	return &chunkReader{r: r}
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.eof {
		return 0, io.EOF
	}
	for c.left == 0 {
		n, err := c.r.ReadUint32()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			c.eof = true
			return 0, io.EOF
		}
		if n > maxLength {
			return 0, Malformed(errors.New("chunk length out of range"))
		}
		c.left = int(n)
	}
	if len(p) > c.left {
		p = p[:c.left]
	}
	n, err := io.ReadFull(c.r.r, p)
	c.left -= n
	if err != nil {
		return n, Malformed(err)
	}
	return n, nil
}

// discard consumes the remainder of the chunked stream. Readers must
// drain an object stream fully before reading subsequent fields.
func (c *chunkReader) discard() error {
	var p [4096]byte
	for {
		_, err := c.Read(p[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
