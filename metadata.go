// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"fmt"
)

// fieldKind classifies a FieldDescriptor's decode shape, used by the layout
// compiler to decide whether an unresolved field's width is still
// statically knowable.
type fieldKind int

const (
	kindUnknown fieldKind = iota
	kindPrimitive
	kindString
	kindClass // references another MetadataClass, inline or CP-backed
)

// FieldDescriptor is one field of a MetadataClass: a name, a reference to
// its type (resolved against the chunk's class table in a second pass),
// and the flags controlling how its value is encoded.
type FieldDescriptor struct {
	Name           string
	TypeName       string // unresolved reference, by class name
	TypeID         int64  // unresolved reference, by chunk-local id
	Array          bool
	ConstantPool   bool // field value is a varint CP id, not an inline value
	Unsigned       bool
	Annotations    map[string]string
	resolvedType   *MetadataClass // bound by the second pass; nil if unresolved
	resolvedKind   fieldKind
}

// IsUnresolved reports whether the field's type reference failed to bind to
// a concrete class in the chunk's metadata.
func (f *FieldDescriptor) IsUnresolved() bool {
	return f.resolvedType == nil && f.resolvedKind == kindUnknown
}

// MetadataClass is the schema description of one event type or value type
// within a chunk: a chunk-local id, a name, an optional super-type,
// annotations, an ordered field list, and (for event types) a settings
// block.
type MetadataClass struct {
	ID          int64
	Name        string
	SuperName   string
	Primitive   bool
	Fields      []*FieldDescriptor
	Annotations map[string]string
	Settings    []*FieldDescriptor

	superClass *MetadataClass // bound by the second pass
}

// primitiveTypeNames are the JFR built-in scalar type names; classes with
// these names carry no fields and decode with a fixed-width primitive read.
var primitiveTypeNames = map[string]bool{
	"byte": true, "char": true, "short": true, "int": true, "long": true,
	"float": true, "double": true, "boolean": true, "java.lang.String": true,
}

// jfrEventSuperName is the root super-type that marks a class as an event
// type, per the data model's "walk the super chain" test.
const jfrEventSuperName = "jdk.jfr.Event"

// MetadataModel is the per-chunk schema tree built from the chunk's
// metadata event: an interned string table plus the flat class list,
// resolved in two passes per the data model (§4.D).
type MetadataModel struct {
	Strings []string
	classes []*MetadataClass
	byID    map[int64]*MetadataClass
	byName  map[string]*MetadataClass
}

// ClassByID looks up a class by its chunk-local id.
func (m *MetadataModel) ClassByID(id int64) (*MetadataClass, bool) {
	c, ok := m.byID[id]
	return c, ok
}

// ClassByName looks up a class by name; names are unique within a chunk.
func (m *MetadataModel) ClassByName(name string) (*MetadataClass, bool) {
	c, ok := m.byName[name]
	return c, ok
}

// Classes returns every class defined in the chunk, in declaration order.
func (m *MetadataModel) Classes() []*MetadataClass { return m.classes }

// IsEventType reports whether cls's super-chain reaches jdk.jfr.Event. Pure
// over the metadata; requires no parser state, per §4.D.
func (m *MetadataModel) IsEventType(cls *MetadataClass) bool {
	seen := make(map[int64]bool)
	for c := cls; c != nil; c = c.superClass {
		if seen[c.ID] {
			return false // defensive: a cyclic super-chain is not an event type
		}
		seen[c.ID] = true
		if c.SuperName == jfrEventSuperName {
			return true
		}
	}
	return false
}

// metadataElement is the raw, unresolved tree shape the wire format encodes:
// a tagged node (class/field/annotation/setting) with string-table-indexed
// attributes and nested children, introduced by a varint child count.
type metadataElement struct {
	tag      string
	attrs    map[string]string
	children []*metadataElement
}

// parseMetadataEvent builds a MetadataModel from the chunk's metadata byte
// range: first the interned string table, then the element tree, then the
// two resolution passes described in §4.D.
func parseMetadataEvent(bs *byteStream, log helperLogger) (*MetadataModel, error) {
	stringCount, err := readUvarint(bs)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata string count: %v", ErrMalformedChunk, err)
	}
	strs := make([]string, stringCount)
	for i := range strs {
		s, err := readInlineString(bs)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata string %d: %v", ErrMalformedChunk, i, err)
		}
		strs[i] = s.value
	}

	root, err := readMetadataElement(bs, strs)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata tree: %v", ErrMalformedChunk, err)
	}

	model := &MetadataModel{
		Strings: strs,
		byID:    make(map[int64]*MetadataClass),
		byName:  make(map[string]*MetadataClass),
	}

	// First pass: flat list of classes with unresolved references.
	collectClasses(root, model)

	// Second pass: bind super-type and field-type references to concrete
	// class handles. Unbound references leave the field/class unresolved;
	// the layout compiler treats such fields as opaque.
	for _, c := range model.classes {
		if c.SuperName != "" {
			if sup, ok := model.byName[c.SuperName]; ok {
				c.superClass = sup
			}
		}
		for _, f := range c.Fields {
			resolveFieldType(f, model, log)
		}
		for _, s := range c.Settings {
			resolveFieldType(s, model, log)
		}
	}

	log.Debugf("metadata: %d classes, %d strings", len(model.classes), len(strs))
	return model, nil
}

func resolveFieldType(f *FieldDescriptor, model *MetadataModel, log helperLogger) {
	if primitiveTypeNames[f.TypeName] {
		f.resolvedKind = kindPrimitive
		if f.TypeName == "java.lang.String" {
			f.resolvedKind = kindString
		}
		return
	}
	if cls, ok := model.byName[f.TypeName]; ok {
		f.resolvedType = cls
		f.resolvedKind = kindClass
		return
	}
	// Left unresolved; resolvedKind stays kindUnknown so the layout
	// compiler knows it must fall back to a declared-kind scan.
	log.Warnf("jfr: field %q references undefined type %q", f.Name, f.TypeName)
}

func readMetadataElement(bs *byteStream, strs []string) (*metadataElement, error) {
	nameIdx, err := readUvarint(bs)
	if err != nil {
		return nil, err
	}
	tag := stringAt(strs, nameIdx)

	attrCount, err := readUvarint(bs)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, attrCount)
	for i := uint64(0); i < attrCount; i++ {
		kIdx, err := readUvarint(bs)
		if err != nil {
			return nil, err
		}
		vIdx, err := readUvarint(bs)
		if err != nil {
			return nil, err
		}
		attrs[stringAt(strs, kIdx)] = stringAt(strs, vIdx)
	}

	childCount, err := readUvarint(bs)
	if err != nil {
		return nil, err
	}
	el := &metadataElement{tag: tag, attrs: attrs}
	for i := uint64(0); i < childCount; i++ {
		child, err := readMetadataElement(bs, strs)
		if err != nil {
			return nil, err
		}
		el.children = append(el.children, child)
	}
	return el, nil
}

func stringAt(strs []string, idx uint64) string {
	if idx == 0 || int(idx) > len(strs) {
		return ""
	}
	return strs[idx-1]
}

// collectClasses walks the element tree and builds the flat class list. The
// root element is the synthetic "metadata" document node; its children are
// top-level "class" elements.
func collectClasses(root *metadataElement, model *MetadataModel) {
	if root == nil {
		return
	}
	for _, child := range root.children {
		if child.tag != "class" {
			continue
		}
		cls := newClassFromElement(child)
		model.classes = append(model.classes, cls)
		model.byID[cls.ID] = cls
		model.byName[cls.Name] = cls
	}
}

func newClassFromElement(el *metadataElement) *MetadataClass {
	cls := &MetadataClass{
		Name:        el.attrs["name"],
		SuperName:   el.attrs["superType"],
		Annotations: map[string]string{},
	}
	if idStr, ok := el.attrs["id"]; ok {
		cls.ID = parseIntAttr(idStr)
	}
	if _, ok := primitiveTypeNames[cls.Name]; ok {
		cls.Primitive = true
	}

	for _, child := range el.children {
		switch child.tag {
		case "field":
			cls.Fields = append(cls.Fields, newFieldFromElement(child))
		case "setting":
			cls.Settings = append(cls.Settings, newFieldFromElement(child))
		case "annotation":
			if name, ok := child.attrs["class"]; ok {
				cls.Annotations[name] = child.attrs["value"]
			}
		}
	}
	return cls
}

func newFieldFromElement(el *metadataElement) *FieldDescriptor {
	f := &FieldDescriptor{
		Name:         el.attrs["name"],
		TypeName:     el.attrs["class"],
		Array:        el.attrs["dimension"] == "1",
		ConstantPool: el.attrs["constantPool"] == "true",
		Unsigned:     el.attrs["unsigned"] == "true",
		Annotations:  map[string]string{},
	}
	for _, child := range el.children {
		if child.tag == "annotation" {
			if name, ok := child.attrs["class"]; ok {
				f.Annotations[name] = child.attrs["value"]
			}
		}
	}
	return f
}

func parseIntAttr(s string) int64 {
	var v int64
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			break
		}
		v = v*10 + int64(r-'0')
	}
	if neg {
		v = -v
	}
	return v
}

// helperLogger is the minimal logging surface metadata/constant-pool/layout
// code depends on, satisfied by *jlog.Helper. Kept as a tiny local
// interface so this file doesn't import internal/jlog directly and stays
// testable with a no-op stand-in.
type helperLogger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
