// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"encoding/binary"
	"fmt"

	"github.com/saferwall/jfr/internal/jlog"
)

// chunkHeaderSize is the fixed big-endian header layout's byte length, per
// §6.
const chunkHeaderSize = 68

// chunkMagic identifies a chunk's start: 'F','L','R',0x00.
var chunkMagic = [4]byte{'F', 'L', 'R', 0x00}

// ChunkHeader is the fixed-layout header every chunk begins with. The
// reader treats it as authoritative: every offset inside it fully
// describes the chunk's internal layout, per §3.
type ChunkHeader struct {
	Magic              [4]byte
	MajorVersion       uint16
	MinorVersion       uint16
	ChunkSize          uint64
	ConstantPoolOffset uint64 // relative to chunk start
	MetadataOffset     uint64 // relative to chunk start
	StartTimeNanos     int64
	DurationNanos      int64
	StartTicks         int64
	TicksPerSecond     int64
	Features           uint32
}

// ticksToNanos converts a tick count in this chunk's clock to nanoseconds.
func (h *ChunkHeader) ticksToNanos(ticks int64) int64 {
	if h.TicksPerSecond == 0 {
		return 0
	}
	return ticks * 1_000_000_000 / h.TicksPerSecond
}

// ChunkListener is the low-level phase surface used by collaborators doing
// metadata-only scans (§4.C/§6). Each callback returns a continuation
// boolean; returning false short-circuits the remainder of that phase
// without raising an error.
type ChunkListener interface {
	OnChunkStart(*ChunkHeader) bool
	OnMetadata(*MetadataModel) bool
	OnCheckpoint(*ConstantPools) bool
	OnEvent(typeID int64, raw []byte) bool
}

// chunkEventRecord is one decoded-enough-to-dispatch event record: the
// type id and the stream offsets where the record starts, where its field
// bytes start, and where it must end per its declared size, used by the
// dispatcher's boundary assertion.
type chunkEventRecord struct {
	typeID    int64
	start     int64 // offset of the size varint
	bodyStart int64 // offset right after the type-id varint
	end       int64 // expected end, per the declared size
}

// readChunkHeader reads and validates one chunk header at the stream's
// current position.
func readChunkHeader(bs *byteStream) (*ChunkHeader, error) {
	raw, err := bs.Slice(bs.Position(), chunkHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: header truncated: %v", ErrMalformedHeader, err)
	}

	h := &ChunkHeader{}
	copy(h.Magic[:], raw[0:4])
	if h.Magic != chunkMagic {
		return nil, fmt.Errorf("%w: bad magic %x", ErrMalformedHeader, h.Magic)
	}
	h.MajorVersion = binary.BigEndian.Uint16(raw[4:6])
	h.MinorVersion = binary.BigEndian.Uint16(raw[6:8])
	h.ChunkSize = binary.BigEndian.Uint64(raw[8:16])
	h.ConstantPoolOffset = binary.BigEndian.Uint64(raw[16:24])
	h.MetadataOffset = binary.BigEndian.Uint64(raw[24:32])
	h.StartTimeNanos = int64(binary.BigEndian.Uint64(raw[32:40]))
	h.DurationNanos = int64(binary.BigEndian.Uint64(raw[40:48]))
	h.StartTicks = int64(binary.BigEndian.Uint64(raw[48:56]))
	h.TicksPerSecond = int64(binary.BigEndian.Uint64(raw[56:64]))
	h.Features = binary.BigEndian.Uint32(raw[64:68])

	if h.ChunkSize < chunkHeaderSize {
		return nil, fmt.Errorf("%w: chunk size %d smaller than header", ErrMalformedHeader, h.ChunkSize)
	}

	return h, bs.Skip(chunkHeaderSize)
}

// recordFraming reads one record's [size varint][type-id varint] framing
// and returns its type id plus the absolute stream offset it must end at.
func recordFraming(bs *byteStream) (chunkEventRecord, error) {
	start := bs.Position()
	size, err := readVarint(bs)
	if err != nil {
		return chunkEventRecord{}, fmt.Errorf("%w: record size: %v", ErrMalformedChunk, err)
	}
	if size <= 0 {
		return chunkEventRecord{}, fmt.Errorf("%w: non-positive record size %d", ErrMalformedChunk, size)
	}
	typeID, err := readVarint(bs)
	if err != nil {
		return chunkEventRecord{}, fmt.Errorf("%w: record type id: %v", ErrMalformedChunk, err)
	}
	return chunkEventRecord{typeID: typeID, start: start, bodyStart: bs.Position(), end: start + size}, nil
}

// chunkWalker drives one chunk's worth of reading: locate metadata and
// checkpoint(s) via the header's offsets first (regardless of where they
// sit in file order, per §9's open question), then scan every remaining
// record as an ordinary event.
type chunkWalker struct {
	bs       *byteStream
	log      *jlog.Helper
	listener ChunkListener
	// compile builds (or fetches, cache-hit) an eager untyped layout for a
	// constant-pool value class. Event-record layouts (typed or untyped,
	// per registered handler) are compiled separately by the dispatcher.
	compile func(*MetadataClass) (*compiledLayout, error)
}

// readChunk parses one chunk starting at the stream's current position,
// invoking the listener at each phase and returning the set of ordinary
// event records found (for the dispatcher to route in a second pass) along
// with the populated metadata/pools for the chunk.
func (w *chunkWalker) readChunk() (*ChunkHeader, *MetadataModel, *ConstantPools, []chunkEventRecord, error) {
	chunkStart := w.bs.Position()

	header, err := readChunkHeader(w.bs)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if w.listener != nil && !w.listener.OnChunkStart(header) {
		return header, nil, nil, nil, nil
	}

	chunkEnd := chunkStart + int64(header.ChunkSize)
	if chunkEnd > w.bs.Size() {
		return nil, nil, nil, nil, fmt.Errorf("%w: chunk extends past end of file", ErrMalformedChunk)
	}

	metaAbs := chunkStart + int64(header.MetadataOffset)
	cpAbs := chunkStart + int64(header.ConstantPoolOffset)

	model, metaRec, err := w.readMetadataAt(metaAbs)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if w.listener != nil && !w.listener.OnMetadata(model) {
		model = nil // phase short-circuited; caller treats remaining events as unresolved
	}

	pools := newConstantPools()
	if strCls, ok := safeClassByName(model, "java.lang.String"); ok {
		pools.stringClassID = strCls.ID
	}
	pools.decode = func(cls *MetadataClass, raw []byte) (any, error) {
		layout, err := w.compile(cls)
		if err != nil {
			return nil, err
		}
		scratch := newByteStreamFromBytes(raw)
		if cls.Primitive {
			return layout.steps[0].read(scratch, pools)
		}
		return layout.decodeUntyped(scratch, pools)
	}

	cpRecs, err := w.readCheckpointsAt(cpAbs, model, pools)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pools.markReady()
	if w.listener != nil && !w.listener.OnCheckpoint(pools) {
		// Checkpoint phase short-circuited; pools stay as populated so far.
	}

	skip := map[int64]int64{metaRec.start: metaRec.end}
	for _, r := range cpRecs {
		skip[r.start] = r.end
	}

	var events []chunkEventRecord
	pos := int64(chunkStart) + chunkHeaderSize
	for pos < chunkEnd {
		if err := w.bs.Seek(pos); err != nil {
			return nil, nil, nil, nil, err
		}
		if end, skipped := skip[pos]; skipped {
			pos = end
			continue
		}
		rec, err := recordFraming(w.bs)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if rec.end > chunkEnd {
			return nil, nil, nil, nil, fmt.Errorf("%w: event record overruns chunk", ErrMalformedChunk)
		}
		raw, err := w.bs.Slice(rec.start, int(rec.end-rec.start))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if w.listener != nil && !w.listener.OnEvent(rec.typeID, raw) {
			break
		}
		events = append(events, rec)
		pos = rec.end
	}

	if err := w.bs.Seek(chunkEnd); err != nil {
		return nil, nil, nil, nil, err
	}
	return header, model, pools, events, nil
}

func safeClassByName(model *MetadataModel, name string) (*MetadataClass, bool) {
	if model == nil {
		return nil, false
	}
	return model.ClassByName(name)
}

func (w *chunkWalker) readMetadataAt(abs int64) (*MetadataModel, chunkEventRecord, error) {
	if err := w.bs.Seek(abs); err != nil {
		return nil, chunkEventRecord{}, fmt.Errorf("%w: metadata offset out of range: %v", ErrMalformedChunk, err)
	}
	rec, err := recordFraming(w.bs)
	if err != nil {
		return nil, chunkEventRecord{}, err
	}
	model, err := parseMetadataEvent(w.bs, w.log)
	if err != nil {
		return nil, chunkEventRecord{}, err
	}
	if w.bs.Position() != rec.end {
		return nil, chunkEventRecord{}, fmt.Errorf(
			"%w: metadata event declared size %d, consumed %d", ErrMalformedChunk, rec.end-rec.start, w.bs.Position()-rec.start)
	}
	return model, rec, nil
}

// readCheckpointsAt reads the checkpoint event at abs, plus any further
// checkpoint events immediately following it, matching §3's "one or more
// checkpoint events" — contiguous checkpoints are treated as one logical
// pool population.
func (w *chunkWalker) readCheckpointsAt(abs int64, model *MetadataModel, pools *ConstantPools) ([]chunkEventRecord, error) {
	if model == nil {
		return nil, nil
	}
	var recs []chunkEventRecord
	pos := abs
	for {
		if err := w.bs.Seek(pos); err != nil {
			return nil, fmt.Errorf("%w: constant pool offset out of range: %v", ErrMalformedChunk, err)
		}
		rec, err := recordFraming(w.bs)
		if err != nil {
			return nil, err
		}
		if err := parseCheckpointEvent(w.bs, model, w.compile, pools); err != nil {
			return nil, err
		}
		if w.bs.Position() != rec.end {
			return nil, fmt.Errorf("%w: checkpoint event declared size %d, consumed %d",
				ErrMalformedChunk, rec.end-rec.start, w.bs.Position()-rec.start)
		}
		recs = append(recs, rec)

		// Peek the next record: if it's also a checkpoint (same type id),
		// keep folding it into this population pass.
		next := rec.end
		if err := w.bs.Seek(next); err != nil {
			break
		}
		save := w.bs.Position()
		peek, err := recordFraming(w.bs)
		if err != nil || peek.typeID != rec.typeID {
			w.bs.Seek(save)
			break
		}
		w.bs.Seek(next)
		pos = next
	}
	return recs, nil
}
