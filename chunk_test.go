// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// --- synthetic one-chunk recording builder, used across this package's
// integration tests since the retrieval pack carries no JFR fixture
// binaries to parse (§8's "craft a one-chunk recording" scenario style). ---

func appendUvarintBytes(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf.WriteByte(b | 0x80)
			continue
		}
		buf.WriteByte(b)
		return
	}
}

func appendVarintBytes(buf *bytes.Buffer, v int64) {
	appendUvarintBytes(buf, zigZagEncode(v))
}

func uvarintEncodedLen(v uint64) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

func appendInlineUTF8(buf *bytes.Buffer, s string) {
	if s == "" {
		buf.WriteByte(stringTagEmpty)
		return
	}
	buf.WriteByte(stringTagUTF8)
	appendUvarintBytes(buf, uint64(len(s)))
	buf.WriteString(s)
}

// elemSpec is a test-only mirror of the metadata wire tree shape, built
// from interned string indices.
type elemSpec struct {
	tag      uint64
	attrs    [][2]uint64
	children []elemSpec
}

func writeElem(buf *bytes.Buffer, e elemSpec) {
	appendUvarintBytes(buf, e.tag)
	appendUvarintBytes(buf, uint64(len(e.attrs)))
	for _, kv := range e.attrs {
		appendUvarintBytes(buf, kv[0])
		appendUvarintBytes(buf, kv[1])
	}
	appendUvarintBytes(buf, uint64(len(e.children)))
	for _, c := range e.children {
		writeElem(buf, c)
	}
}

// stringInterner builds the metadata event's string table in first-use
// order, 1-indexed to match stringAt's convention (0 means "no value").
type stringInterner struct {
	strs []string
	idx  map[string]uint64
}

func newStringInterner() *stringInterner {
	return &stringInterner{idx: make(map[string]uint64)}
}

func (si *stringInterner) intern(s string) uint64 {
	if i, ok := si.idx[s]; ok {
		return i
	}
	si.strs = append(si.strs, s)
	i := uint64(len(si.strs))
	si.idx[s] = i
	return i
}

// buildRecord wraps body with the [size varint][type-id varint] framing
// every event/metadata/checkpoint record shares, solving for the size
// varint's own byte length since the declared size includes itself.
func buildRecord(typeID int64, body []byte) []byte {
	tidBuf := new(bytes.Buffer)
	appendVarintBytes(tidBuf, typeID)
	tid := tidBuf.Bytes()

	for sizeLen := 1; ; sizeLen++ {
		total := int64(sizeLen + len(tid) + len(body))
		if uvarintEncodedLen(zigZagEncode(total)) == sizeLen {
			out := new(bytes.Buffer)
			appendVarintBytes(out, total)
			out.Write(tid)
			out.Write(body)
			return out.Bytes()
		}
	}
}

// testRecording is a fully decoded description of the synthetic recording
// buildTestRecording produces, so tests can assert against known values
// without re-deriving offsets.
type testRecording struct {
	data          []byte
	messageText   string
	countValue    int64
	ticksPerSec   int64
	startTimeNano int64
}

// buildTestRecording assembles one chunk defining two classes
// (java.lang.String, a primitive; TestEvent, a jdk.jfr.Event subtype with a
// string field and an int field) and a single TestEvent instance.
func buildTestRecording() testRecording {
	si := newStringInterner()
	classTag := si.intern("class")
	fieldTag := si.intern("field")
	nameKey := si.intern("name")
	idKey := si.intern("id")
	superKey := si.intern("superType")
	classKey := si.intern("class") // same literal as classTag, shares the index

	stringClassName := si.intern("java.lang.String")
	stringClassIDStr := si.intern("1")
	testEventName := si.intern("TestEvent")
	testEventIDStr := si.intern("2")
	jfrEventSuper := si.intern(jfrEventSuperName)
	messageFieldName := si.intern("message")
	countFieldName := si.intern("count")
	intTypeName := si.intern("int")

	stringClassElem := elemSpec{
		tag:   classTag,
		attrs: [][2]uint64{{nameKey, stringClassName}, {idKey, stringClassIDStr}},
	}
	messageField := elemSpec{
		tag:   fieldTag,
		attrs: [][2]uint64{{nameKey, messageFieldName}, {classKey, stringClassName}},
	}
	countField := elemSpec{
		tag:   fieldTag,
		attrs: [][2]uint64{{nameKey, countFieldName}, {classKey, intTypeName}},
	}
	testEventElem := elemSpec{
		tag:      classTag,
		attrs:    [][2]uint64{{nameKey, testEventName}, {idKey, testEventIDStr}, {superKey, jfrEventSuper}},
		children: []elemSpec{messageField, countField},
	}
	root := elemSpec{children: []elemSpec{stringClassElem, testEventElem}}

	metaBody := new(bytes.Buffer)
	appendUvarintBytes(metaBody, uint64(len(si.strs)))
	for _, s := range si.strs {
		appendInlineUTF8(metaBody, s)
	}
	writeElem(metaBody, root)

	checkpointBody := new(bytes.Buffer)
	appendUvarintBytes(checkpointBody, 0) // no constant pools used by this recording

	const messageText = "hello jfr"
	const countValue = int64(42)
	eventBody := new(bytes.Buffer)
	appendInlineUTF8(eventBody, messageText)
	appendVarintBytes(eventBody, countValue)

	eventRec := buildRecord(2, eventBody.Bytes()) // type id 2 == TestEvent
	// Metadata and checkpoint records share the generic [size][type-id] record
	// framing but must carry distinct type ids (0 and 1, matching real JFR's
	// convention): readCheckpointsAt's contiguous-checkpoint fold peeks the
	// next record's type id to decide whether to keep folding, and a
	// collision here would make it mistake the metadata record for a second
	// checkpoint.
	checkpointRec := buildRecord(1, checkpointBody.Bytes())
	metadataRec := buildRecord(0, metaBody.Bytes())

	eventOffset := int64(chunkHeaderSize)
	checkpointOffset := eventOffset + int64(len(eventRec))
	metadataOffset := checkpointOffset + int64(len(checkpointRec))
	chunkSize := metadataOffset + int64(len(metadataRec))

	const ticksPerSec = int64(1_000_000_000)
	const startTimeNano = int64(1_700_000_000_000_000_000)

	header := new(bytes.Buffer)
	header.Write(chunkMagic[:])
	binary.Write(header, binary.BigEndian, uint16(2)) // major
	binary.Write(header, binary.BigEndian, uint16(0)) // minor
	binary.Write(header, binary.BigEndian, uint64(chunkSize))
	binary.Write(header, binary.BigEndian, uint64(checkpointOffset))
	binary.Write(header, binary.BigEndian, uint64(metadataOffset))
	binary.Write(header, binary.BigEndian, startTimeNano)
	binary.Write(header, binary.BigEndian, int64(0)) // duration
	binary.Write(header, binary.BigEndian, int64(0)) // start ticks
	binary.Write(header, binary.BigEndian, ticksPerSec)
	binary.Write(header, binary.BigEndian, uint32(0)) // features

	full := new(bytes.Buffer)
	full.Write(header.Bytes())
	full.Write(eventRec)
	full.Write(checkpointRec)
	full.Write(metadataRec)

	return testRecording{
		data:          full.Bytes(),
		messageText:   messageText,
		countValue:    countValue,
		ticksPerSec:   ticksPerSec,
		startTimeNano: startTimeNano,
	}
}

func TestChunkWalkerReadChunk(t *testing.T) {
	rec := buildTestRecording()
	bs := newByteStreamFromBytes(rec.data)
	ctx := NewParsingContext()
	walker := &chunkWalker{bs: bs, log: ctx.log, compile: ctx.eagerCompiler()}

	header, model, pools, events, err := walker.readChunk()
	if err != nil {
		t.Fatalf("readChunk() failed: %v", err)
	}
	if header.TicksPerSecond != rec.ticksPerSec {
		t.Errorf("TicksPerSecond = %d, want %d", header.TicksPerSecond, rec.ticksPerSec)
	}
	if !pools.Ready() {
		t.Errorf("pools.Ready() = false, want true after readChunk")
	}

	cls, ok := model.ClassByName("TestEvent")
	if !ok {
		t.Fatalf("ClassByName(TestEvent) not found")
	}
	if !model.IsEventType(cls) {
		t.Errorf("IsEventType(TestEvent) = false, want true")
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].typeID != cls.ID {
		t.Errorf("events[0].typeID = %d, want %d", events[0].typeID, cls.ID)
	}
}
