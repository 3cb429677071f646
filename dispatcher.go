// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"fmt"
)

// typedBinding is one HandleTyped registration: a validated descriptor plus
// the callback, invoked with a *T (boxed as any by the generic wrapper) and
// a *Control.
type typedBinding struct {
	desc *typedEventDescriptor
	cb   func(any, *Control)
}

// untypedBinding is one UntypedParser.Handle registration: a callback
// invoked for every event type with its class metadata and decoded field
// map.
type untypedBinding struct {
	cb func(*MetadataClass, FieldMap, *Control)
}

// dispatcher owns the set of handler registrations for one parser session
// and routes each chunk's event records to them, per §4.H. Registration is
// frozen at Run() entry: the dispatch table built from whatever was
// registered up to that point doesn't change mid-parse.
type dispatcher struct {
	ctx      *ParsingContext
	strategy Strategy

	typed   []typedBinding
	untyped []untypedBinding

	frozen bool
}

func newDispatcher(ctx *ParsingContext, strategy Strategy) *dispatcher {
	return &dispatcher{ctx: ctx, strategy: strategy}
}

// addTyped registers a handler bound to desc.className. Returns
// ErrAlreadyRun once the dispatcher has been frozen.
func (d *dispatcher) addTyped(desc *typedEventDescriptor, cb func(any, *Control)) error {
	if d.frozen {
		return fmt.Errorf("%w: Handle called after Run", ErrAlreadyRun)
	}
	d.typed = append(d.typed, typedBinding{desc: desc, cb: cb})
	return nil
}

// addUntyped registers a callback invoked for every event type.
func (d *dispatcher) addUntyped(cb func(*MetadataClass, FieldMap, *Control)) error {
	if d.frozen {
		return fmt.Errorf("%w: Handle called after Run", ErrAlreadyRun)
	}
	d.untyped = append(d.untyped, untypedBinding{cb: cb})
	return nil
}

// freeze closes the registration window; called once at Run() entry.
func (d *dispatcher) freeze() {
	d.frozen = true
}

// empty reports whether no handler was ever registered, letting Run skip
// the read loop entirely.
func (d *dispatcher) empty() bool {
	return len(d.typed) == 0 && len(d.untyped) == 0
}

// dispatch routes one event record: resolves its class, skips it outright
// if it isn't an event type or nothing wants it, otherwise decodes it once
// per distinct interested handler and invokes each, asserting that every
// decode lands exactly on the record's declared end (§4.H point 4). bs must
// be positioned at rec.bodyStart on entry; dispatch leaves it at rec.end.
func (d *dispatcher) dispatch(bs *byteStream, pools *ConstantPools, header *ChunkHeader, model *MetadataModel, rec chunkEventRecord) error {
	cls, ok := model.ClassByID(rec.typeID)
	if !ok || !model.IsEventType(cls) {
		return bs.Seek(rec.end)
	}

	ctrl := newControl(rec.end, header)
	handled := false

	if len(d.untyped) > 0 {
		kind := d.strategy.layoutKindFor(len(cls.Fields))
		layout, err := d.ctx.getOrCompile(cls, kind, nil)
		if err != nil {
			return err
		}
		if err := bs.Seek(rec.bodyStart); err != nil {
			return err
		}
		fm, err := layout.decodeUntyped(bs, pools)
		if err != nil {
			return fmt.Errorf("event %s: %w", cls.Name, err)
		}
		if err := assertRecordEnd(bs, rec); err != nil {
			return err
		}
		for _, b := range d.untyped {
			b.cb(cls, fm, ctrl)
		}
		handled = true
	}

	for _, b := range d.typed {
		if b.desc.className != cls.Name {
			continue
		}
		handled = true
		layout, err := d.ctx.getOrCompile(cls, layoutTyped, b.desc.targetType)
		if err != nil {
			return err
		}
		if err := bs.Seek(rec.bodyStart); err != nil {
			return err
		}
		v, err := layout.decodeTyped(bs, pools)
		if err != nil {
			return fmt.Errorf("event %s: %w", cls.Name, err)
		}
		if err := assertRecordEnd(bs, rec); err != nil {
			return err
		}
		b.cb(v.Interface(), ctrl)
	}

	if !handled {
		d.ctx.log.Warnf("jfr: event type %s has no registered handler, skipping", cls.Name)
	}

	return bs.Seek(rec.end)
}

// assertRecordEnd enforces §4.H point 4: the bytes a compiled layout
// consumes for an event record must exactly match its declared size.
func assertRecordEnd(bs *byteStream, rec chunkEventRecord) error {
	if bs.Position() != rec.end {
		return fmt.Errorf("%w: event type %d declared end %d, decode stopped at %d",
			ErrMalformedChunk, rec.typeID, rec.end, bs.Position())
	}
	return nil
}
