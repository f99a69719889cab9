// Copyright 2025 The StrataDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/stratadb/stratadb-go/go/stprotocol/bufpool"
)

// Every message on the wire is framed as one type byte followed by a 4-byte
// big-endian length that includes the length field itself but not the type
// byte. The startup message is the single exception: it carries no type byte.

// ReadMessage reads one framed message and returns its type and body.
func ReadMessage(r *bufio.Reader) (byte, []byte, error) {
	msgType, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	bodyLen, err := readFrameLength(r)
	if err != nil {
		return 0, nil, err
	}
	if bodyLen == 0 {
		return msgType, nil, nil
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}

// ReadMessagePooled reads one framed message into a buffer drawn from pool.
// The caller must invoke release exactly once when done with the body.
func ReadMessagePooled(r *bufio.Reader, pool *bufpool.Pool) (msgType byte, body []byte, release func(), err error) {
	msgType, err = r.ReadByte()
	if err != nil {
		return 0, nil, nil, err
	}

	bodyLen, err := readFrameLength(r)
	if err != nil {
		return 0, nil, nil, err
	}
	if bodyLen == 0 {
		return msgType, nil, func() {}, nil
	}

	buf := pool.Get(bodyLen)
	if _, err := io.ReadFull(r, *buf); err != nil {
		pool.Put(buf)
		return 0, nil, nil, err
	}
	return msgType, *buf, func() { pool.Put(buf) }, nil
}

// WriteMessage writes one framed message without flushing.
func WriteMessage(w *bufio.Writer, msgType byte, body []byte) error {
	if err := w.WriteByte(msgType); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(PacketHeaderSize+len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// WriteStartupMessage writes the startup message, which has no type byte.
func WriteStartupMessage(w *bufio.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(PacketHeaderSize+len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadStartupMessage reads the startup message body.
func ReadStartupMessage(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < PacketHeaderSize || length > MaxStartupPacketLength {
		return nil, fmt.Errorf("invalid startup packet length: %d", length)
	}
	body := make([]byte, length-PacketHeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFrameLength(r *bufio.Reader) (int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < PacketHeaderSize || length > MaxMessageLength {
		return 0, fmt.Errorf("invalid message length: %d", length)
	}
	return int(length - PacketHeaderSize), nil
}

// MessageReader decodes fields from a message body.
type MessageReader struct {
	buf []byte
	pos int
}

// NewMessageReader creates a reader over the given body.
func NewMessageReader(buf []byte) *MessageReader {
	return &MessageReader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *MessageReader) Remaining() int {
	return len(r.buf) - r.pos
}

// ReadByte reads a single byte.
func (r *MessageReader) ReadByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadBool reads a single byte as a boolean (0 false, anything else true).
func (r *MessageReader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadInt32 reads a 32-bit signed integer in network byte order.
func (r *MessageReader) ReadInt32() (int32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, io.EOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return int32(v), nil
}

// ReadInt64 reads a 64-bit signed integer in network byte order.
func (r *MessageReader) ReadInt64() (int64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, io.EOF
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

// ReadDuration reads an int64 millisecond count as a duration.
// -1 decodes as zero, meaning unset.
func (r *MessageReader) ReadDuration() (time.Duration, error) {
	ms, err := r.ReadInt64()
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ReadString reads a null-terminated string.
func (r *MessageReader) ReadString() (string, error) {
	start := r.pos
	for r.pos < len(r.buf) {
		if r.buf[r.pos] == 0 {
			s := string(r.buf[start:r.pos])
			r.pos++
			return s, nil
		}
		r.pos++
	}
	return "", io.EOF
}

// ReadBytes reads n raw bytes.
func (r *MessageReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, io.EOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadByteString reads a length-prefixed byte string (4-byte length + data).
// A length of -1 decodes as nil.
func (r *MessageReader) ReadByteString() ([]byte, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if length == -1 {
		return nil, nil
	}
	if length < 0 {
		return nil, fmt.Errorf("invalid byte string length: %d", length)
	}
	return r.ReadBytes(int(length))
}

// ReadUUID reads a 16-byte UUID.
func (r *MessageReader) ReadUUID() (uuid.UUID, error) {
	b, err := r.ReadBytes(SessionIDLength)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(b)
}

// MessageWriter accumulates fields for a message body.
type MessageWriter struct {
	buf []byte
}

// NewMessageWriter creates an empty message writer.
func NewMessageWriter() *MessageWriter {
	return &MessageWriter{buf: make([]byte, 0, 256)}
}

// Bytes returns the accumulated body.
func (w *MessageWriter) Bytes() []byte {
	return w.buf
}

// Len returns the current body length.
func (w *MessageWriter) Len() int {
	return len(w.buf)
}

// Reset clears the writer for reuse.
func (w *MessageWriter) Reset() {
	w.buf = w.buf[:0]
}

// WriteByte appends a single byte.
func (w *MessageWriter) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteBool appends a boolean as one byte.
func (w *MessageWriter) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteBytes appends raw bytes.
func (w *MessageWriter) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteInt32 appends a 32-bit signed integer in network byte order.
func (w *MessageWriter) WriteInt32(v int32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	w.buf = append(w.buf, buf[:]...)
}

// WriteUint32 appends a 32-bit unsigned integer in network byte order.
func (w *MessageWriter) WriteUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	w.buf = append(w.buf, buf[:]...)
}

// WriteInt64 appends a 64-bit signed integer in network byte order.
func (w *MessageWriter) WriteInt64(v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	w.buf = append(w.buf, buf[:]...)
}

// WriteDuration appends a duration as int64 milliseconds, -1 when zero.
func (w *MessageWriter) WriteDuration(d time.Duration) {
	if d <= 0 {
		w.WriteInt64(-1)
		return
	}
	w.WriteInt64(d.Milliseconds())
}

// WriteString appends a null-terminated string.
func (w *MessageWriter) WriteString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteByteString appends a length-prefixed byte string, -1 for nil.
func (w *MessageWriter) WriteByteString(b []byte) {
	if b == nil {
		w.WriteInt32(-1)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.WriteBytes(b)
}

// WriteUUID appends a 16-byte UUID.
func (w *MessageWriter) WriteUUID(id uuid.UUID) {
	w.buf = append(w.buf, id[:]...)
}
