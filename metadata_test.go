// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"testing"

	"github.com/saferwall/jfr/internal/jlog"
)

func TestParseMetadataEventFromSyntheticRecording(t *testing.T) {
	rec := buildTestRecording()
	bs := newByteStreamFromBytes(rec.data)

	ctx := NewParsingContext()
	walker := &chunkWalker{bs: bs, log: ctx.log, compile: ctx.eagerCompiler()}
	_, model, _, _, err := walker.readChunk()
	if err != nil {
		t.Fatalf("readChunk() failed: %v", err)
	}

	cls, ok := model.ClassByName("TestEvent")
	if !ok {
		t.Fatalf("ClassByName(TestEvent) not found")
	}
	if len(cls.Fields) != 2 {
		t.Fatalf("len(Fields) = %d, want 2", len(cls.Fields))
	}
	if cls.Fields[0].Name != "message" || cls.Fields[1].Name != "count" {
		t.Errorf("field order/names = %q, %q", cls.Fields[0].Name, cls.Fields[1].Name)
	}
	if cls.Fields[0].resolvedKind != kindString {
		t.Errorf("message field resolvedKind = %v, want kindString", cls.Fields[0].resolvedKind)
	}
	if cls.Fields[1].resolvedKind != kindPrimitive {
		t.Errorf("count field resolvedKind = %v, want kindPrimitive", cls.Fields[1].resolvedKind)
	}

	strCls, ok := model.ClassByName("java.lang.String")
	if !ok {
		t.Fatalf("ClassByName(java.lang.String) not found")
	}
	if !strCls.Primitive {
		t.Errorf("java.lang.String.Primitive = false, want true")
	}
}

func TestResolveFieldTypeLeavesUnknownTypeUnresolved(t *testing.T) {
	model := &MetadataModel{byID: map[int64]*MetadataClass{}, byName: map[string]*MetadataClass{}}
	f := &FieldDescriptor{Name: "mystery", TypeName: "com.example.Undeclared"}

	resolveFieldType(f, model, jlog.NewDiscard())

	if f.resolvedType != nil {
		t.Errorf("resolvedType = %v, want nil for an undeclared type name", f.resolvedType)
	}
	if f.resolvedKind != kindUnknown {
		t.Errorf("resolvedKind = %v, want kindUnknown", f.resolvedKind)
	}
	if !f.IsUnresolved() {
		t.Errorf("IsUnresolved() = false, want true")
	}
}

func TestIsEventTypeWalksSuperChain(t *testing.T) {
	model := &MetadataModel{byID: map[int64]*MetadataClass{}, byName: map[string]*MetadataClass{}}
	base := &MetadataClass{ID: 1, Name: "Base", SuperName: jfrEventSuperName}
	derived := &MetadataClass{ID: 2, Name: "Derived", SuperName: "Base", superClass: base}
	notEvent := &MetadataClass{ID: 3, Name: "PlainValue"}

	if !model.IsEventType(derived) {
		t.Errorf("IsEventType(Derived) = false, want true")
	}
	if model.IsEventType(notEvent) {
		t.Errorf("IsEventType(PlainValue) = true, want false")
	}
}
