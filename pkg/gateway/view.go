// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gateway

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
)

// ViewSize is the fixed size of the request view header.
const ViewSize = 48

const (
	viewMagic      = 0x5649 // "IV"
	viewVersion    = 1
	descriptorSize = 8
	firstField     = 8
)

// Field descriptor offsets inside the view. Each descriptor is a
// little-endian uint32 arena offset followed by a uint32 length.
const (
	OffsetMethod     = 8
	OffsetURI        = 16
	OffsetHost       = 24
	OffsetUserAgent  = 32
	OffsetRemoteAddr = 40
)

const numFields = (ViewSize - firstField) / descriptorSize

// View is a fixed-size snapshot of an in-flight request. The header holds
// the field descriptors; the strings live in a private arena that only
// Extract reads.
type View struct {
	header [ViewSize]byte
	arena  []byte
}

// ViewHeader is the decoded fixed part of a view.
type ViewHeader struct {
	Magic    uint16
	Version  uint8
	Fields   uint8
	ArenaLen uint32
}

// NewView captures the fields of r.
func NewView(r *http.Request) *View {
	return newView([numFields]string{
		r.Method,
		r.URL.RequestURI(),
		r.Host,
		r.UserAgent(),
		r.RemoteAddr,
	})
}

func newView(fields [numFields]string) *View {
	size := 0
	for _, f := range fields {
		size += len(f)
	}
	v := &View{arena: make([]byte, 0, size)}
	binary.LittleEndian.PutUint16(v.header[0:2], viewMagic)
	v.header[2] = viewVersion
	v.header[3] = numFields
	binary.LittleEndian.PutUint32(v.header[4:8], uint32(size))
	for i, f := range fields {
		off := firstField + i*descriptorSize
		binary.LittleEndian.PutUint32(v.header[off:off+4], uint32(len(v.arena)))
		binary.LittleEndian.PutUint32(v.header[off+4:off+8], uint32(len(f)))
		v.arena = append(v.arena, f...)
	}
	return v
}

// Bytes returns a copy of the fixed-size header.
func (v *View) Bytes() []byte {
	b := make([]byte, ViewSize)
	copy(b, v.header[:])
	return b
}

// Field returns a reference to the field whose descriptor is at offset.
func (v *View) Field(offset int) FieldRef {
	return FieldRef{view: v, offset: offset}
}

// ParseViewHeader decodes a ViewSize-byte header.
func ParseViewHeader(buf []byte) (ViewHeader, error) {
	if len(buf) < ViewSize {
		return ViewHeader{}, fmt.Errorf("view too small: %d < %d", len(buf), ViewSize)
	}
	h := ViewHeader{
		Magic:    binary.LittleEndian.Uint16(buf[0:2]),
		Version:  buf[2],
		Fields:   buf[3],
		ArenaLen: binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.Magic != viewMagic {
		return ViewHeader{}, fmt.Errorf("bad view magic 0x%04x", h.Magic)
	}
	if h.Version != viewVersion {
		return ViewHeader{}, fmt.Errorf("unsupported view version %d", h.Version)
	}
	return h, nil
}

// FieldRef is an opaque reference to one request field.
type FieldRef struct {
	view   *View
	offset int
}

// Offset is the descriptor offset the reference was made from.
func (f FieldRef) Offset() int { return f.offset }

// ExtractFunc copies a field into out. It writes at most len(out) bytes,
// never a NUL byte, and returns the number written.
type ExtractFunc func(field FieldRef, out []byte) int

// Extract is the ExtractFunc handed to decision routines. A field longer
// than out is truncated; content stops at the first NUL byte; an invalid
// reference yields zero bytes.
func Extract(field FieldRef, out []byte) int {
	v := field.view
	if v == nil || len(out) == 0 {
		return 0
	}
	off := field.offset
	if off < firstField || off+descriptorSize > ViewSize || (off-firstField)%descriptorSize != 0 {
		return 0
	}
	start := uint64(binary.LittleEndian.Uint32(v.header[off : off+4]))
	length := uint64(binary.LittleEndian.Uint32(v.header[off+4 : off+8]))
	if start+length > uint64(len(v.arena)) {
		return 0
	}
	src := v.arena[start : start+length]
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return copy(out, src)
}

// ExtractString extracts a field through a bounded buffer of size n.
func ExtractString(extract ExtractFunc, field FieldRef, n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	return string(buf[:extract(field, buf)])
}
