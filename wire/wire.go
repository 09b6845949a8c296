// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the binary message codec used between pgas
// nodes. All multi-byte values are big-endian. Strings are
// length-prefixed UTF-8; opaque objects are gob blobs carried in a
// chunked stream (see chunk.go) of fixed-size chunks. The gob blob
// itself is encoded in memory before it is chunked.
//
// The codec is strictly positional: a writer that writes fields F1..Fn
// produces a stream from which a reader that reads F1..Fn yields
// bit-identical values. Truncated streams, bad framing and
// undecodable objects are reported as malformed-message errors,
// which test as errors.Invalid.
package wire

import (
	"encoding/binary"
	"encoding/gob"
	"io"
	"math"

	"github.com/grailbio/base/errors"
)

// DefaultChunkSize is the chunk size used by writers and readers
// unless configured otherwise.
const DefaultChunkSize = 16384

func init() {
	// Common composite types that user values may carry inside
	// interfaces. Anything else must be registered by user code.
	gob.Register([]interface{}{})
	gob.Register([]int{})
	gob.Register([]string{})
	gob.Register([]float64{})
	gob.Register(map[string]interface{}{})
}

// object is the envelope in which opaque values travel. Encoding an
// envelope rather than the bare value lets gob transmit the concrete
// type of the value so the receiver can decode into an interface.
type object struct {
	V interface{}
}

// Malformed returns an error that reports a malformed message,
// wrapping err. The returned error tests as errors.Invalid.
func Malformed(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.E(errors.Invalid, "malformed message", err)
}

// IsMalformed tells whether err reports a malformed message.
func IsMalformed(err error) bool {
	return err != nil && errors.Is(errors.Invalid, err)
}

// A Writer encodes primitive values and objects into an underlying
// stream. Writers are not safe for concurrent use.
type Writer struct {
	w     io.Writer
	chunk int
	buf   [8]byte
}

// NewWriter returns a writer that encodes into w, chunking objects
// at chunkSize bytes. A chunkSize of zero uses DefaultChunkSize.
func NewWriter(w io.Writer, chunkSize int) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{w: w, chunk: chunkSize}
}

func (w *Writer) write(p []byte) error {
	_, err := w.w.Write(p)
	return err
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	w.buf[0] = b
	return w.write(w.buf[:1])
}

// WriteBool writes a boolean as one byte.
func (w *Writer) WriteBool(b bool) error {
	if b {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

// WriteInt32 writes a 32-bit integer.
func (w *Writer) WriteInt32(v int32) error {
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	return w.write(w.buf[:4])
}

// WriteUint32 writes an unsigned 32-bit integer.
func (w *Writer) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.buf[:4], v)
	return w.write(w.buf[:4])
}

// WriteInt64 writes a 64-bit integer.
func (w *Writer) WriteInt64(v int64) error {
	binary.BigEndian.PutUint64(w.buf[:8], uint64(v))
	return w.write(w.buf[:8])
}

// WriteFloat64 writes a 64-bit float.
func (w *Writer) WriteFloat64(v float64) error {
	binary.BigEndian.PutUint64(w.buf[:8], math.Float64bits(v))
	return w.write(w.buf[:8])
}

// nilLength marks a nil byte slice on the wire, distinguishing it
// from an empty one. Strings have no nil form.
const nilLength = ^uint32(0)

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) error {
	if err := w.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	return w.write([]byte(s))
}

// WriteBytes writes a length-prefixed byte slice. Nil slices are
// distinguished from empty ones.
func (w *Writer) WriteBytes(p []byte) error {
	if p == nil {
		return w.WriteUint32(nilLength)
	}
	if err := w.WriteUint32(uint32(len(p))); err != nil {
		return err
	}
	return w.write(p)
}

// WriteInts writes a length-prefixed slice of 32-bit integers.
func (w *Writer) WriteInts(vs []int) error {
	if err := w.WriteUint32(uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := w.WriteInt32(int32(v)); err != nil {
			return err
		}
	}
	return nil
}

// WriteObject writes an opaque object as a gob blob inside a chunked
// stream. The value's concrete type must be gob-encodable and, for
// non-basic types, registered with gob on both ends.
func (w *Writer) WriteObject(v interface{}) error {
	cw := newChunkWriter(w, w.chunk)
	if err := gob.NewEncoder(cw).Encode(object{v}); err != nil {
		return Malformed(err)
	}
	return cw.Close()
}

// WriteObjectBytes re-frames an already-encoded object blob, as
// produced by ReadObjectBytes or EncodeObject, into a chunked stream.
// It is used to forward values without decoding them.
func (w *Writer) WriteObjectBytes(p []byte) error {
	cw := newChunkWriter(w, w.chunk)
	if _, err := cw.Write(p); err != nil {
		return err
	}
	return cw.Close()
}

// A Reader decodes values written by a Writer, in the same order.
// Readers are not safe for concurrent use.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

// NewReader returns a reader that decodes from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) read(p []byte) error {
	if _, err := io.ReadFull(r.r, p); err != nil {
		return Malformed(err)
	}
	return nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	err := r.read(r.buf[:1])
	return r.buf[0], err
}

// ReadBool reads a boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadInt32 reads a 32-bit integer.
func (r *Reader) ReadInt32() (int32, error) {
	if err := r.read(r.buf[:4]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(r.buf[:4])), nil
}

// ReadUint32 reads an unsigned 32-bit integer.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.read(r.buf[:4]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.buf[:4]), nil
}

// ReadInt64 reads a 64-bit integer.
func (r *Reader) ReadInt64() (int64, error) {
	if err := r.read(r.buf[:8]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(r.buf[:8])), nil
}

// ReadFloat64 reads a 64-bit float.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadInt64()
	return math.Float64frombits(uint64(v)), err
}

// maxLength bounds length prefixes so that a corrupt frame cannot
// induce an arbitrarily large allocation.
const maxLength = 1 << 30

// ReadString reads a length-prefixed string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > maxLength {
		return "", Malformed(errors.New("string length out of range"))
	}
	p := make([]byte, n)
	if err := r.read(p); err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadBytes reads a length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n == nilLength {
		return nil, nil
	}
	if n > maxLength {
		return nil, Malformed(errors.New("bytes length out of range"))
	}
	p := make([]byte, n)
	if err := r.read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadInts reads a length-prefixed slice of 32-bit integers.
func (r *Reader) ReadInts() ([]int, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > maxLength/4 {
		return nil, Malformed(errors.New("slice length out of range"))
	}
	vs := make([]int, n)
	for i := range vs {
		v, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		vs[i] = int(v)
	}
	return vs, nil
}

// ReadObject reads an opaque object written by WriteObject or
// WriteObjectBytes and returns the decoded value. The chunked stream
// is drained to its terminator even if the decoder stops short, so
// that fields following the object stay aligned.
func (r *Reader) ReadObject() (interface{}, error) {
	cr := newChunkReader(r)
	v, err := DecodeObject(cr)
	if err != nil {
		return nil, err
	}
	if err := cr.discard(); err != nil {
		return nil, err
	}
	return v, nil
}

// ReadObjectBytes reads the raw, still-encoded blob of an object so
// that it can be forwarded or decoded later. The chunk framing is
// stripped.
func (r *Reader) ReadObjectBytes() ([]byte, error) {
	var (
		cr  = newChunkReader(r)
		buf []byte
		p   [4096]byte
	)
	for {
		n, err := cr.Read(p[:])
		buf = append(buf, p[:n]...)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// EncodeObject encodes v as a bare gob blob, without chunk framing.
// The result can be forwarded with WriteObjectBytes or decoded with
// DecodeObjectBytes.
func EncodeObject(v interface{}) ([]byte, error) {
	var b byteBuffer
	if err := gob.NewEncoder(&b).Encode(object{v}); err != nil {
		return nil, Malformed(err)
	}
	return b, nil
}

// DecodeObjectBytes decodes a blob produced by EncodeObject or
// ReadObjectBytes.
func DecodeObjectBytes(p []byte) (interface{}, error) {
	return DecodeObject(&byteReader{p: p})
}

// DecodeObject decodes one object envelope from r.
func DecodeObject(r io.Reader) (interface{}, error) {
	var o object
	if err := gob.NewDecoder(r).Decode(&o); err != nil {
		return nil, Malformed(err)
	}
	return o.V, nil
}

type byteBuffer []byte

func (b *byteBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

type byteReader struct {
	p []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.p) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.p)
	r.p = r.p[n:]
	return n, nil
}
