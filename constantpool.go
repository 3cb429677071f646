// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import "fmt"

// poolValue is one constant-pool entry. Until first access it may be a
// "value builder" holding raw bytes plus the owning class, decoded lazily
// via that class's compiled layout; after that it's cached as decoded.
type poolValue struct {
	decoded  bool
	value    any
	raw      []byte
	class    *MetadataClass
}

// constantPool is the per-type-id id→value table described in §4.E.
// Population order is irrelevant; resolution order is lazy.
type constantPool struct {
	typeID  int64
	entries map[int64]*poolValue
}

// ConstantPools holds every per-type pool in a chunk plus the pools_ready
// gate. Accesses before pools_ready raise errPoolNotReady; this is internal
// and should never reach a caller because event decoding only starts after
// the gate flips, per the dispatcher's contract.
type ConstantPools struct {
	byType        map[int64]*constantPool
	ready         bool
	stringClassID int64 // chunk-local id of the "java.lang.String" class, for inline tag-2 refs

	// decode lazily materializes one pool entry's value from its captured
	// raw bytes, given the owning class. Set once by the chunk reader right
	// after construction, closing over this chunk's own layout compiler so
	// constantpool.go doesn't need to import layout.go's types.
	decode func(class *MetadataClass, raw []byte) (any, error)
}

func newConstantPools() *ConstantPools {
	return &ConstantPools{byType: make(map[int64]*constantPool)}
}

func (cp *ConstantPools) poolFor(typeID int64) *constantPool {
	p, ok := cp.byType[typeID]
	if !ok {
		p = &constantPool{typeID: typeID, entries: make(map[int64]*poolValue)}
		cp.byType[typeID] = p
	}
	return p
}

// putRaw records an undecoded entry, deferring decode to first access.
func (cp *ConstantPools) putRaw(typeID, id int64, class *MetadataClass, raw []byte) {
	cp.poolFor(typeID).entries[id] = &poolValue{class: class, raw: raw}
}

// putValue records an already-materialized entry, which resolve returns
// without calling decode. Checkpoint parsing stores every entry with putRaw.
func (cp *ConstantPools) putValue(typeID, id int64, value any) {
	cp.poolFor(typeID).entries[id] = &poolValue{decoded: true, value: value}
}

// markReady flips the pools_ready flag once the chunk's last checkpoint
// event has been processed. No further mutation happens until the next
// chunk.
func (cp *ConstantPools) markReady() { cp.ready = true }

// Ready reports whether the pools_ready transition has occurred.
func (cp *ConstantPools) Ready() bool { return cp.ready }

// resolve dereferences a constant-pool reference. id 0 always means null,
// per the data model invariant, and returns (nil, true, nil) without a pool
// lookup. The lazy decode for an unresolved value builder uses cp.decode,
// which closes over this chunk's own layout compiler.
func (cp *ConstantPools) resolve(typeID, id int64) (any, bool, error) {
	if id == 0 {
		return nil, true, nil
	}
	if !cp.ready {
		return nil, false, errPoolNotReady
	}
	pool, ok := cp.byType[typeID]
	if !ok {
		return nil, false, fmt.Errorf("%w: no pool for type %d", ErrUnresolvedType, typeID)
	}
	entry, ok := pool.entries[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: id %d not in pool for type %d", ErrUnresolvedType, id, typeID)
	}
	if entry.decoded {
		return entry.value, true, nil
	}
	v, err := cp.decode(entry.class, entry.raw)
	if err != nil {
		return nil, false, err
	}
	entry.value = v
	entry.decoded = true
	entry.raw = nil
	return v, true, nil
}

// parseCheckpointEvent reads one checkpoint event's constant-pool section:
// a sequence of (type-id, count, (id, raw-bytes)×count) groups. The raw
// bytes per entry are captured by slicing exactly one value's worth using
// the owning class's layout so later entries in the same pool parse
// correctly; decoding of the value itself is deferred.
func parseCheckpointEvent(bs *byteStream, model *MetadataModel, compile func(*MetadataClass) (*compiledLayout, error), pools *ConstantPools) error {
	poolCount, err := readUvarint(bs)
	if err != nil {
		return fmt.Errorf("%w: checkpoint pool count: %v", ErrMalformedChunk, err)
	}

	for i := uint64(0); i < poolCount; i++ {
		typeID, err := readVarint(bs)
		if err != nil {
			return fmt.Errorf("%w: checkpoint type id: %v", ErrMalformedChunk, err)
		}
		cls, ok := model.ClassByID(typeID)
		if !ok {
			return fmt.Errorf("%w: checkpoint references undefined type %d", ErrMalformedChunk, typeID)
		}
		layout, err := compile(cls)
		if err != nil {
			return fmt.Errorf("%w: compiling constant pool layout for %s: %v", ErrMalformedChunk, cls.Name, err)
		}

		count, err := readUvarint(bs)
		if err != nil {
			return fmt.Errorf("%w: checkpoint entry count: %v", ErrMalformedChunk, err)
		}
		for j := uint64(0); j < count; j++ {
			id, err := readVarint(bs)
			if err != nil {
				return fmt.Errorf("%w: checkpoint entry id: %v", ErrMalformedChunk, err)
			}
			start := bs.Position()
			if err := layout.skip(bs, pools); err != nil {
				return fmt.Errorf("%w: checkpoint entry %d body: %v", ErrMalformedChunk, id, err)
			}
			end := bs.Position()
			raw, err := bs.Slice(start, int(end-start))
			if err != nil {
				return fmt.Errorf("%w: re-slicing checkpoint entry %d: %v", ErrMalformedChunk, id, err)
			}
			pools.putRaw(typeID, id, cls, raw)
		}
	}
	return nil
}
