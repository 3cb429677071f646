// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"fmt"
	"reflect"
)

// layoutKind selects what a compiledLayout produces for each decoded event:
// a populated Go struct (typed), a fully materialized field map (eager), or
// a map of unresolved byte ranges decoded on first access (lazy).
type layoutKind int

const (
	layoutTyped layoutKind = iota
	layoutEager
	layoutLazy
)

// stepOp is the shape of one decode step in a compiled layout plan — the
// language-neutral lowering of the source's runtime bytecode specialization
// described in §9.
type stepOp int

const (
	opPrimitive stepOp = iota // fixed-shape scalar: varint int/long/short/char, raw byte/bool/float/double
	opString                  // inline string (§4.B tag byte)
	opCPRef                   // varint id, dereferenced against the owning type's pool
	opArray                   // varint length, then N elements of a nested step
	opInline                  // non-CP-backed complex value; recurse into a child plan
)

// layoutStep is one field's decode instruction.
type layoutStep struct {
	op           stepOp
	fieldName    string
	typeName     string // primitive type name, for opPrimitive/opString array element typing
	unsigned     bool
	cpTypeID     int64
	elem         *layoutStep     // element step template, for opArray
	child        *compiledLayout // nested plan, for opInline
	store        bool            // materialize the value, vs. scan-and-discard
	staticWidth  int             // >0 when the encoded width never depends on the value (skip without parsing)
	targetField  int             // struct field index in the typed target, valid when store && typed mode
	targetIsSet  bool
}

// compiledLayout is the output of the layout compiler for one
// (MetadataClass, mode[, target type]) triple: deterministic given equal
// input bytes, per §4.G's observable contract. Building it is pure; all
// side effects (stream advance, pool writes) happen at execution time.
type compiledLayout struct {
	class *MetadataClass
	kind  layoutKind
	steps []*layoutStep

	// typed mode only
	targetType reflect.Type // the dereferenced struct type
}

// lazyFieldValue is one entry of an untyped-lazy FieldMap: either already
// decoded, or an unresolved byte range plus the step needed to decode it.
type lazyFieldValue struct {
	decoded bool
	value   any
	start   int64
	length  int
	step    *layoutStep
	bs      *byteStream
	pools   *ConstantPools
}

// FieldMap is the untyped decoding result: field name → value. Under
// SPARSE_ACCESS with more than the eager threshold of fields, values are
// *lazyFieldValue and materialize via Resolve on first access; under
// FULL_ITERATION or small classes they are already concrete.
type FieldMap map[string]any

// Resolve returns the concrete value for a field, decoding it on first
// access if it was produced lazily. Safe to call on a value that is
// already concrete.
func (fm FieldMap) Resolve(name string) (any, error) {
	v, ok := fm[name]
	if !ok {
		return nil, fmt.Errorf("jfr: no such field %q", name)
	}
	lazy, ok := v.(*lazyFieldValue)
	if !ok {
		return v, nil
	}
	if lazy.decoded {
		return lazy.value, nil
	}
	raw, err := lazy.bs.Slice(lazy.start, lazy.length)
	if err != nil {
		return nil, err
	}
	scratch := newByteStreamFromBytes(raw)
	val, err := lazy.step.read(scratch, lazy.pools)
	if err != nil {
		return nil, err
	}
	lazy.value = val
	lazy.decoded = true
	fm[name] = lazy
	return val, nil
}

// sparseAccessThreshold is the default field-count cutoff: classes with at
// most this many fields decode eagerly under SPARSE_ACCESS; larger classes
// decode lazily. Per §4.G.
const sparseAccessThreshold = 10

// compileLayout builds a layout plan for cls under mode. targetType is only
// consulted for layoutTyped; it must be a struct type (already dereferenced
// from the pointer the caller registered).
func compileLayout(cls *MetadataClass, kind layoutKind, targetType reflect.Type) (*compiledLayout, error) {
	if cls.Primitive {
		// A primitive-named class (byte/char/.../java.lang.String) carries
		// no field list of its own: its constant-pool/inline encoding is the
		// bare primitive or string value, per §4.D's built-in type table.
		step := &layoutStep{fieldName: "value", typeName: cls.Name, store: true}
		if cls.Name == "java.lang.String" {
			step.op = opString
		} else {
			step.op = opPrimitive
			step.staticWidth = primitiveStaticWidth(cls.Name)
		}
		return &compiledLayout{class: cls, kind: kind, steps: []*layoutStep{step}, targetType: targetType}, nil
	}
	visiting := map[int64]bool{cls.ID: true}
	steps, err := compileFields(cls.Fields, kind, targetType, visiting)
	if err != nil {
		return nil, err
	}
	return &compiledLayout{class: cls, kind: kind, steps: steps, targetType: targetType}, nil
}

func compileFields(fields []*FieldDescriptor, kind layoutKind, targetType reflect.Type, visiting map[int64]bool) ([]*layoutStep, error) {
	var fieldIndex map[string]int
	if kind == layoutTyped && targetType != nil {
		fieldIndex = structJfrFieldIndex(targetType)
	}

	steps := make([]*layoutStep, 0, len(fields))
	for _, f := range fields {
		step, err := compileField(f, kind, visiting)
		if err != nil {
			return nil, err
		}
		switch kind {
		case layoutTyped:
			if idx, ok := fieldIndex[f.Name]; ok {
				step.store = true
				step.targetField = idx
				step.targetIsSet = true
			}
		default:
			step.store = true
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// structJfrFieldIndex maps a JFR field name to a struct field index on a
// typed target, via an explicit `jfr:"name"` tag or, absent that, the Go
// field name itself — mirroring §4.I's "explicitly via a name-override tag
// ... or implicitly via method name", generalized from Java accessor
// methods to exported Go struct fields.
func structJfrFieldIndex(t reflect.Type) map[string]int {
	idx := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("jfr"); ok && tag != "" {
			name = tag
		}
		idx[name] = i
	}
	return idx
}

func compileField(f *FieldDescriptor, kind layoutKind, visiting map[int64]bool) (*layoutStep, error) {
	step := &layoutStep{fieldName: f.Name, typeName: f.TypeName, unsigned: f.Unsigned}

	// Constant-pool-backed: the wire value is always just a varint id,
	// regardless of what it points to, so arrays-of-cp-ids and scalar
	// cp-refs both have a statically known per-element shape.
	if f.ConstantPool {
		step.op = opCPRef
		step.cpTypeID = f.TypeID
		if f.resolvedType != nil {
			step.cpTypeID = f.resolvedType.ID
		}
		if f.Array {
			return wrapArray(step), nil
		}
		return step, nil
	}

	switch {
	case f.resolvedKind == kindString:
		step.op = opString
		if f.Array {
			return wrapArray(step), nil
		}
		return step, nil

	case f.resolvedKind == kindPrimitive:
		step.op = opPrimitive
		step.staticWidth = primitiveStaticWidth(f.TypeName)
		if f.Array {
			return wrapArray(step), nil
		}
		return step, nil

	case f.resolvedType != nil:
		// Inline complex value: a field whose type is a non-primitive class
		// and isn't CP-backed inlines the whole structure. A back-edge
		// reached as inline (not CP-backed) is ill-formed per §4.G/§9: an
		// inline cycle can't terminate.
		if visiting[f.resolvedType.ID] {
			return nil, fmt.Errorf("%w: inline cycle through field %q of type %s",
				ErrMalformedChunk, f.Name, f.resolvedType.Name)
		}
		visiting[f.resolvedType.ID] = true
		childSteps, err := compileFields(f.resolvedType.Fields, forceEagerIfNotTyped(kind), nil, visiting)
		delete(visiting, f.resolvedType.ID)
		if err != nil {
			return nil, err
		}
		step.op = opInline
		step.child = &compiledLayout{class: f.resolvedType, kind: forceEagerIfNotTyped(kind), steps: childSteps}
		if f.Array {
			return wrapArray(step), nil
		}
		return step, nil

	default:
		// Unresolved type reference with no declared kind: the compiler
		// can't know the encoded width, so it must scan a best-effort
		// generic value (treated as an inline string scan, the most
		// conservative "read a length-prefixed thing" shape) rather than
		// silently desynchronizing the stream. If even that assumption is
		// wrong the chunk is malformed and the dispatcher's end-of-record
		// assertion will catch it.
		step.op = opString
		if f.Array {
			return wrapArray(step), nil
		}
		return step, nil
	}
}

// forceEagerIfNotTyped keeps nested inline structures' own mode aligned
// with the parent: typed stays layoutTyped (opInline still reads the child
// plan into a FieldMap, as no nested struct type is bound), but an
// inline value under an untyped-lazy parent is still built eagerly since
// there is no separately-addressable byte range to defer once it's been
// inlined into the parent's own range.
func forceEagerIfNotTyped(kind layoutKind) layoutKind {
	if kind == layoutTyped {
		return layoutTyped
	}
	return layoutEager
}

func wrapArray(elem *layoutStep) *layoutStep {
	return &layoutStep{op: opArray, fieldName: elem.fieldName, elem: elem}
}

// primitiveStaticWidth returns the fixed encoded width in bytes for
// primitive types whose wire shape doesn't depend on the value (raw
// fixed-width encodings), or 0 for varint-encoded types that must be
// scanned to discover their width.
func primitiveStaticWidth(typeName string) int {
	switch typeName {
	case "byte", "boolean":
		return 1
	case "float":
		return 4
	case "double":
		return 8
	default: // char, short, int, long: varint-encoded, width is data-dependent
		return 0
	}
}

// skip advances bs past every field of the layout without materializing
// any of them, used to capture a constant-pool entry's raw byte range
// during checkpoint parsing (§4.E).
func (cl *compiledLayout) skip(bs *byteStream, pools *ConstantPools) error {
	for _, step := range cl.steps {
		if err := step.skip(bs, pools); err != nil {
			return err
		}
	}
	return nil
}

// read decodes and returns one step's value, advancing bs. Used whenever a
// value must be materialized: store==true, or any case where a static skip
// isn't available.
func (s *layoutStep) read(bs *byteStream, pools *ConstantPools) (any, error) {
	switch s.op {
	case opPrimitive:
		return readPrimitiveValue(bs, s.typeName, s.unsigned)

	case opString:
		is, err := readInlineString(bs)
		if err != nil {
			return nil, err
		}
		if is.tag == stringTagCPRef {
			return resolveCPString(pools, is.cpID)
		}
		return is.value, nil

	case opCPRef:
		id, err := readVarint(bs)
		if err != nil {
			return nil, err
		}
		return &CPRef{TypeID: s.cpTypeID, ID: id, pools: pools}, nil

	case opArray:
		n, err := readArrayLength(bs)
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			v, err := s.elem.read(bs, pools)
			if err != nil {
				return nil, fmt.Errorf("array element %d of %q: %w", i, s.fieldName, err)
			}
			out[i] = v
		}
		return out, nil

	case opInline:
		return s.child.decodeUntyped(bs, pools)

	default:
		return nil, fmt.Errorf("%w: unknown step op %d", ErrMalformedChunk, s.op)
	}
}

// skip advances bs past one step's encoded value without materializing it.
// Used for unaccessed fields in typed mode: a statically known width is
// skipped directly; anything value-dependent (varints, strings, nested
// structures, arrays) is scanned by decoding and discarding. Strings are
// scanned without dereferencing a tag-2 constant-pool id, so skipping never
// touches the pools.
func (s *layoutStep) skip(bs *byteStream, pools *ConstantPools) error {
	switch s.op {
	case opString:
		_, err := readInlineString(bs)
		return err
	case opArray:
		n, err := readArrayLength(bs)
		for i := 0; err == nil && i < n; i++ {
			err = s.elem.skip(bs, pools)
		}
		return err
	case opInline:
		return s.child.skip(bs, pools)
	}
	if s.op == opPrimitive && s.staticWidth > 0 {
		return bs.Skip(int64(s.staticWidth))
	}
	_, err := s.read(bs, pools)
	return err
}

func readPrimitiveValue(bs *byteStream, typeName string, unsigned bool) (any, error) {
	switch typeName {
	case "byte":
		v, err := bs.ReadU8()
		return int8(v), err
	case "boolean":
		v, err := bs.ReadU8()
		return v != 0, err
	case "float":
		return bs.ReadF32()
	case "double":
		return bs.ReadF64()
	case "char":
		v, err := readUvarint(bs)
		return uint16(v), err
	case "short":
		if unsigned {
			v, err := readUvarint(bs)
			return uint16(v), err
		}
		v, err := readVarint(bs)
		return int16(v), err
	case "int":
		if unsigned {
			v, err := readUvarint(bs)
			return uint32(v), err
		}
		v, err := readVarint(bs)
		return int32(v), err
	case "long":
		if unsigned {
			return readUvarint(bs)
		}
		return readVarint(bs)
	default:
		// Fallback for an unrecognized primitive name: treat as a plain
		// unsigned varint, the most common shape.
		return readUvarint(bs)
	}
}

// resolveCPString dereferences a constant-pool string reference found
// inline inside an opString step (tag 2). Entries of the string constant
// pool decode, on first access, through the primitive java.lang.String
// layout to plain strings, so the resolved value is returned as is.
func resolveCPString(pools *ConstantPools, id uint64) (any, error) {
	v, _, err := pools.resolve(pools.stringClassID, int64(id))
	return v, err
}

// CPRef is a lazy handle to a constant-pool entry: the dispatcher and
// typed accessors that never touch a complex field pay zero deref cost,
// matching §4.G's "typed accessors that ignore a complex field pay zero
// deref cost".
type CPRef struct {
	TypeID int64
	ID     int64
	pools  *ConstantPools
}

// Resolve dereferences the reference against the chunk's constant pools,
// decoding the target value on first access via the pool's own layout
// compiler.
func (r *CPRef) Resolve() (any, error) {
	v, _, err := r.pools.resolve(r.TypeID, r.ID)
	return v, err
}

// decodeUntyped executes a compiled layout in eager or lazy mode and
// returns a FieldMap. For layoutLazy, each entry's byte range is captured
// without decoding; decodeUntyped still must walk every field to keep the
// stream position correct.
func (cl *compiledLayout) decodeUntyped(bs *byteStream, pools *ConstantPools) (FieldMap, error) {
	fm := make(FieldMap, len(cl.steps))
	for _, step := range cl.steps {
		if cl.kind == layoutLazy {
			start := bs.Position()
			if err := step.skip(bs, pools); err != nil {
				return nil, err
			}
			length := int(bs.Position() - start)
			fm[step.fieldName] = &lazyFieldValue{start: start, length: length, step: step, bs: bs, pools: pools}
			continue
		}
		v, err := step.read(bs, pools)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", step.fieldName, err)
		}
		fm[step.fieldName] = v
	}
	return fm, nil
}

// decodeTyped executes a compiled layout in typed mode, allocating a new
// *T (T == cl.targetType) and setting every accessed field via reflection,
// skipping the rest. Returns the populated pointer as reflect.Value.
func (cl *compiledLayout) decodeTyped(bs *byteStream, pools *ConstantPools) (reflect.Value, error) {
	target := reflect.New(cl.targetType)
	elem := target.Elem()
	for _, step := range cl.steps {
		if !step.store {
			if err := step.skip(bs, pools); err != nil {
				return reflect.Value{}, err
			}
			continue
		}
		v, err := step.read(bs, pools)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("field %q: %w", step.fieldName, err)
		}
		if err := setStructField(elem.Field(step.targetField), v); err != nil {
			return reflect.Value{}, fmt.Errorf("field %q: %w", step.fieldName, err)
		}
	}
	return target, nil
}

// setStructField assigns a decoded value into a struct field, converting
// between the decoder's natural Go type and the target field's declared
// type when they merely differ in width or signedness (e.g. a varint
// decoded as int32 assigned into an int64 field).
func setStructField(field reflect.Value, v any) error {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	ft := field.Type()
	if rv.Type().AssignableTo(ft) {
		field.Set(rv)
		return nil
	}
	if rv.Type().ConvertibleTo(ft) {
		field.Set(rv.Convert(ft))
		return nil
	}
	// Arrays, CP refs, and nested structs land here unconverted when the
	// target field's type doesn't match; leave the zero value rather than
	// panic, since a best-effort typed decode should never crash on a
	// shape mismatch the user's struct didn't anticipate.
	return nil
}
