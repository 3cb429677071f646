// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantPoolsNullIDShortCircuits(t *testing.T) {
	pools := newConstantPools()
	v, ok, err := pools.resolve(1, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestConstantPoolsNotReadyGate(t *testing.T) {
	pools := newConstantPools()
	pools.putValue(1, 5, "x")
	_, _, err := pools.resolve(1, 5)
	assert.ErrorIs(t, err, errPoolNotReady)
}

func TestConstantPoolsLazyDecodeOnce(t *testing.T) {
	pools := newConstantPools()
	calls := 0
	pools.decode = func(cls *MetadataClass, raw []byte) (any, error) {
		calls++
		return string(raw), nil
	}
	pools.putRaw(1, 7, nil, []byte("hi"))
	pools.markReady()

	v1, _, err := pools.resolve(1, 7)
	require.NoError(t, err)
	v2, _, err := pools.resolve(1, 7)
	require.NoError(t, err)

	assert.Equal(t, "hi", v1)
	assert.Equal(t, "hi", v2)
	assert.Equal(t, 1, calls, "decode should be cached after first resolve")
}

func TestConstantPoolsUnresolvedReference(t *testing.T) {
	pools := newConstantPools()
	pools.markReady()
	_, _, err := pools.resolve(1, 5)
	assert.ErrorIs(t, err, ErrUnresolvedType)
}

// buildCPReuseRecording assembles one chunk with a CP-backed "Thread" value
// class and two CPTestEvent instances that both reference pool id 7 — the
// shape of §8's S2 scenario ("two Thread-typed events share one pool
// entry"). Reuses the element/record builders from chunk_test.go.
func buildCPReuseRecording() []byte {
	si := newStringInterner()
	classTag := si.intern("class")
	fieldTag := si.intern("field")
	nameKey := si.intern("name")
	idKey := si.intern("id")
	superKey := si.intern("superType")
	classKey := si.intern("class")
	cpKey := si.intern("constantPool")
	trueVal := si.intern("true")

	stringClassName := si.intern("java.lang.String")
	stringClassIDStr := si.intern("1")
	threadClassName := si.intern("Thread")
	threadClassIDStr := si.intern("3")
	testEventName := si.intern("CPTestEvent")
	testEventIDStr := si.intern("5")
	jfrEventSuper := si.intern(jfrEventSuperName)
	threadFieldName := si.intern("thread")
	nameFieldName := si.intern("name")

	stringClassElem := elemSpec{
		tag:   classTag,
		attrs: [][2]uint64{{nameKey, stringClassName}, {idKey, stringClassIDStr}},
	}
	threadNameField := elemSpec{
		tag:   fieldTag,
		attrs: [][2]uint64{{nameKey, nameFieldName}, {classKey, stringClassName}},
	}
	threadClassElem := elemSpec{
		tag:      classTag,
		attrs:    [][2]uint64{{nameKey, threadClassName}, {idKey, threadClassIDStr}},
		children: []elemSpec{threadNameField},
	}
	threadField := elemSpec{
		tag:   fieldTag,
		attrs: [][2]uint64{{nameKey, threadFieldName}, {classKey, threadClassName}, {cpKey, trueVal}},
	}
	testEventElem := elemSpec{
		tag:      classTag,
		attrs:    [][2]uint64{{nameKey, testEventName}, {idKey, testEventIDStr}, {superKey, jfrEventSuper}},
		children: []elemSpec{threadField},
	}
	root := elemSpec{children: []elemSpec{stringClassElem, threadClassElem, testEventElem}}

	metaBody := new(bytes.Buffer)
	appendUvarintBytes(metaBody, uint64(len(si.strs)))
	for _, s := range si.strs {
		appendInlineUTF8(metaBody, s)
	}
	writeElem(metaBody, root)

	// One pool group for the Thread type (id 3), one entry (id 7, name "main").
	checkpointBody := new(bytes.Buffer)
	appendUvarintBytes(checkpointBody, 1) // pool count
	appendVarintBytes(checkpointBody, 3)  // type id == Thread
	appendUvarintBytes(checkpointBody, 1) // entry count
	appendVarintBytes(checkpointBody, 7)  // entry id
	appendInlineUTF8(checkpointBody, "main")

	event1Body := new(bytes.Buffer)
	appendVarintBytes(event1Body, 7) // thread field: CP ref id 7
	event2Body := new(bytes.Buffer)
	appendVarintBytes(event2Body, 7) // same pool entry

	event1Rec := buildRecord(5, event1Body.Bytes())
	event2Rec := buildRecord(5, event2Body.Bytes())
	checkpointRec := buildRecord(1, checkpointBody.Bytes())
	metadataRec := buildRecord(0, metaBody.Bytes())

	event1Offset := int64(chunkHeaderSize)
	event2Offset := event1Offset + int64(len(event1Rec))
	checkpointOffset := event2Offset + int64(len(event2Rec))
	metadataOffset := checkpointOffset + int64(len(checkpointRec))
	chunkSize := metadataOffset + int64(len(metadataRec))

	header := new(bytes.Buffer)
	header.Write(chunkMagic[:])
	binary.Write(header, binary.BigEndian, uint16(2))
	binary.Write(header, binary.BigEndian, uint16(0))
	binary.Write(header, binary.BigEndian, uint64(chunkSize))
	binary.Write(header, binary.BigEndian, uint64(checkpointOffset))
	binary.Write(header, binary.BigEndian, uint64(metadataOffset))
	binary.Write(header, binary.BigEndian, int64(0))
	binary.Write(header, binary.BigEndian, int64(0))
	binary.Write(header, binary.BigEndian, int64(0))
	binary.Write(header, binary.BigEndian, int64(1_000_000_000))
	binary.Write(header, binary.BigEndian, uint32(0))

	full := new(bytes.Buffer)
	full.Write(header.Bytes())
	full.Write(event1Rec)
	full.Write(event2Rec)
	full.Write(checkpointRec)
	full.Write(metadataRec)
	return full.Bytes()
}

// TestConstantPoolReuseAcrossEvents is §8's S2: two events referencing the
// same pool id must dereference to the identical cached value, and the pool
// entry's raw bytes must decode exactly once.
func TestConstantPoolReuseAcrossEvents(t *testing.T) {
	bs := newByteStreamFromBytes(buildCPReuseRecording())
	ctx := NewParsingContext()
	walker := &chunkWalker{bs: bs, log: ctx.log, compile: ctx.eagerCompiler()}

	_, model, pools, events, err := walker.readChunk()
	require.NoError(t, err)
	require.Len(t, events, 2)

	var decodeCalls int
	wrapped := pools.decode
	pools.decode = func(cls *MetadataClass, raw []byte) (any, error) {
		decodeCalls++
		return wrapped(cls, raw)
	}

	cls, ok := model.ClassByName("CPTestEvent")
	require.True(t, ok)
	layout, err := ctx.getOrCompile(cls, layoutEager, nil)
	require.NoError(t, err)

	fieldMaps := make([]FieldMap, len(events))
	for i, rec := range events {
		require.NoError(t, bs.Seek(rec.bodyStart))
		fm, err := layout.decodeUntyped(bs, pools)
		require.NoError(t, err)
		fieldMaps[i] = fm
	}

	ref1, ok := fieldMaps[0]["thread"].(*CPRef)
	require.True(t, ok)
	ref2, ok := fieldMaps[1]["thread"].(*CPRef)
	require.True(t, ok)

	v1, err := ref1.Resolve()
	require.NoError(t, err)
	v2, err := ref2.Resolve()
	require.NoError(t, err)

	fm1, ok := v1.(FieldMap)
	require.True(t, ok)
	fm2, ok := v2.(FieldMap)
	require.True(t, ok)
	assert.Equal(t, "main", fm1["name"])
	assert.Equal(t, "main", fm2["name"])
	assert.Equal(t, 1, decodeCalls, "pool entry should decode exactly once across both events")
}
