// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// segmentSize bounds how much of a recording is mapped in one mmap.Map
// call. Files larger than this are spliced across multiple segments so a
// single session never demands one contiguous virtual-memory region the
// size of the whole file.
const segmentSize = 1 << 30 // 1 GiB

// byteStream is a read-only, position-addressable, endian-aware view over a
// recording. It owns whatever mapped memory backs it for the lifetime of a
// parser session and is release unconditionally on close. Not safe for
// concurrent use: one stream per parser session, matching the teacher's
// single-owner mmap.MMap field on File.
type byteStream struct {
	f        *os.File
	segments []mmap.MMap // each up to segmentSize bytes, contiguous in file order
	size     int64
	pos      int64
	marked   int64
}

// newByteStreamFromFile memory-maps path, splicing it into segments if it
// exceeds segmentSize.
func newByteStreamFromFile(path string) (*byteStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIo, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIo, path, err)
	}

	size := info.Size()
	bs := &byteStream{f: f, size: size}

	if size == 0 {
		return bs, nil
	}

	for off := int64(0); off < size; off += segmentSize {
		length := segmentSize
		if off+segmentSize > size {
			length = int(size - off)
		}
		seg, err := mmap.MapRegion(f, length, mmap.RDONLY, 0, off)
		if err != nil {
			bs.Close()
			return nil, fmt.Errorf("%w: mmap %s at %d: %v", ErrIo, path, off, err)
		}
		bs.segments = append(bs.segments, seg)
	}

	return bs, nil
}

// newByteStreamFromBytes wraps an in-memory buffer as a byte stream, used by
// tests and by callers that already hold a recording in memory.
func newByteStreamFromBytes(data []byte) *byteStream {
	bs := &byteStream{size: int64(len(data))}
	if len(data) > 0 {
		bs.segments = []mmap.MMap{mmap.MMap(data)}
	}
	return bs
}

// Close unmaps every segment and closes the underlying file. Safe to call
// more than once.
func (bs *byteStream) Close() error {
	for i, seg := range bs.segments {
		if seg != nil {
			_ = seg.Unmap()
		}
		bs.segments[i] = nil
	}
	bs.segments = nil
	if bs.f != nil {
		err := bs.f.Close()
		bs.f = nil
		return err
	}
	return nil
}

// Size returns the total stream length in bytes.
func (bs *byteStream) Size() int64 { return bs.size }

// Position returns the current read position.
func (bs *byteStream) Position() int64 { return bs.pos }

// Seek repositions the stream absolutely.
func (bs *byteStream) Seek(pos int64) error {
	if pos < 0 || pos > bs.size {
		return fmt.Errorf("%w: seek to %d, size %d", ErrEof, pos, bs.size)
	}
	bs.pos = pos
	return nil
}

// Mark remembers the current position for a later Reset.
func (bs *byteStream) Mark() { bs.marked = bs.pos }

// Reset returns to the last Mark.
func (bs *byteStream) Reset() { bs.pos = bs.marked }

// Slice returns a read-only view of off..off+length, stitching across
// segment boundaries into a scratch buffer if the range straddles two
// mapped segments. The returned slice aliases mapped memory when the range
// falls within one segment and must not outlive the stream.
func (bs *byteStream) Slice(off int64, length int) ([]byte, error) {
	if length < 0 || off < 0 || off+int64(length) > bs.size {
		return nil, fmt.Errorf("%w: slice(%d,%d) beyond size %d", ErrEof, off, length, bs.size)
	}
	if length == 0 {
		return nil, nil
	}

	segIdx := int(off / segmentSize)
	segOff := int(off % segmentSize)
	seg := bs.segments[segIdx]

	if segOff+length <= len(seg) {
		return seg[segOff : segOff+length], nil
	}

	// Straddles a segment boundary: stitch into a scratch buffer.
	out := make([]byte, length)
	n := 0
	for n < length {
		segIdx = int((off + int64(n)) / segmentSize)
		segOff = int((off + int64(n)) % segmentSize)
		seg = bs.segments[segIdx]
		copied := copy(out[n:], seg[segOff:])
		if copied == 0 {
			return nil, fmt.Errorf("%w: short read stitching segments at %d", ErrIo, off+int64(n))
		}
		n += copied
	}
	return out, nil
}

// readN reads and advances n bytes from the current position.
func (bs *byteStream) readN(n int) ([]byte, error) {
	b, err := bs.Slice(bs.pos, n)
	if err != nil {
		return nil, err
	}
	bs.pos += int64(n)
	return b, nil
}

// ReadBytes fills dst from the current position and advances.
func (bs *byteStream) ReadBytes(dst []byte) error {
	b, err := bs.readN(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (bs *byteStream) ReadU8() (uint8, error) {
	b, err := bs.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (bs *byteStream) ReadU16() (uint16, error) {
	b, err := bs.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (bs *byteStream) ReadU32() (uint32, error) {
	b, err := bs.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (bs *byteStream) ReadU64() (uint64, error) {
	b, err := bs.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (bs *byteStream) ReadI16() (int16, error) {
	v, err := bs.ReadU16()
	return int16(v), err
}

func (bs *byteStream) ReadI32() (int32, error) {
	v, err := bs.ReadU32()
	return int32(v), err
}

func (bs *byteStream) ReadI64() (int64, error) {
	v, err := bs.ReadU64()
	return int64(v), err
}

func (bs *byteStream) ReadF32() (float32, error) {
	v, err := bs.ReadU32()
	return math.Float32frombits(v), err
}

func (bs *byteStream) ReadF64() (float64, error) {
	v, err := bs.ReadU64()
	return math.Float64frombits(v), err
}

// Skip advances the position without reading, bounds-checked the same way
// reads are.
func (bs *byteStream) Skip(n int64) error {
	return bs.Seek(bs.pos + n)
}
