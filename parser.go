// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"fmt"
	"time"
)

// session is the shared machinery behind TypedParser and UntypedParser: one
// byte stream, one dispatcher, and the Run-once/Close-once lifecycle gates
// described in §4.I.
type session struct {
	ctx  *ParsingContext
	bs   *byteStream
	disp *dispatcher

	ran    bool
	closed bool
}

func newSession(ctx *ParsingContext, path string, strategy Strategy) (*session, error) {
	bs, err := newByteStreamFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIo, path, err)
	}
	return &session{ctx: ctx, bs: bs, disp: newDispatcher(ctx, strategy)}, nil
}

// run walks every chunk in the recording, dispatching each event record to
// whatever was registered before the call. Freezes registration for the
// rest of the session's lifetime and accrues the elapsed time into the
// owning context's cumulative uptime counter, per §4.J.
func (s *session) run() error {
	if s.ran {
		return fmt.Errorf("%w: Run called twice on the same parser", ErrAlreadyRun)
	}
	s.ran = true
	s.disp.freeze()

	start := time.Now()
	defer func() { s.ctx.addUptime(time.Since(start)) }()

	walker := &chunkWalker{bs: s.bs, log: s.ctx.log, compile: s.ctx.eagerCompiler()}
	for s.bs.Position() < s.bs.Size() {
		header, model, pools, events, err := walker.readChunk()
		if err != nil {
			return err
		}
		// readChunk leaves the stream at the chunk's end; dispatch moves it
		// back over the chunk's events, so restore it before the next chunk.
		chunkEnd := s.bs.Position()
		if model == nil {
			// A ChunkListener (not used by TypedParser/UntypedParser, only
			// by lower-level metadata-only scans) short-circuited the
			// metadata phase; there's nothing left to dispatch for this
			// chunk.
			continue
		}
		for _, rec := range events {
			if err := s.disp.dispatch(s.bs, pools, header, model, rec); err != nil {
				return err
			}
		}
		if err := s.bs.Seek(chunkEnd); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.bs.Close()
}

// TypedParser decodes events into caller-registered Go struct types, one
// compiled reader per distinct (fingerprint, struct type) pair, per §4.I.
// Register handlers with the package-level HandleTyped before calling Run.
type TypedParser struct {
	*session
}

// NewTypedParser opens path for typed decoding against this context's
// shared compiled-reader cache.
func (c *ParsingContext) NewTypedParser(path string) (*TypedParser, error) {
	s, err := newSession(c, path, FullIteration)
	if err != nil {
		return nil, err
	}
	return &TypedParser{session: s}, nil
}

// Run walks the recording, invoking every registered typed handler for its
// matching event type. Returns ErrAlreadyRun if called more than once.
func (p *TypedParser) Run() error { return p.run() }

// Close releases the underlying byte stream. Safe to call more than once.
func (p *TypedParser) Close() error { return p.close() }

// HandleTyped registers cb for every event of the JFR class named by T's
// JfrEventType method. T must be a struct satisfying TypedEvent on its
// value receiver; the library never constructs a T itself beyond the zero
// value used to read that name, so JfrEventType must not depend on field
// state. Returns ErrConfiguration for a malformed T, or ErrAlreadyRun if p
// has already started running.
func HandleTyped[T TypedEvent](p *TypedParser, cb func(*T, *Control)) error {
	var zero T
	desc, err := p.ctx.descriptorFor(zero)
	if err != nil {
		return err
	}
	return p.disp.addTyped(desc, func(v any, ctrl *Control) {
		cb(v.(*T), ctrl)
	})
}

// UntypedParser decodes events into FieldMap, a name-indexed view keyed to
// the metadata seen in each chunk, per §4.I. Strategy controls whether a
// class's fields are materialized eagerly or deferred per field.
type UntypedParser struct {
	*session
	strategy Strategy
}

// NewUntypedParser opens path for untyped decoding under the given field
// materialization strategy.
func (c *ParsingContext) NewUntypedParser(path string, strategy Strategy) (*UntypedParser, error) {
	s, err := newSession(c, path, strategy)
	if err != nil {
		return nil, err
	}
	return &UntypedParser{session: s, strategy: strategy}, nil
}

// Handle registers cb, invoked for every event type the recording contains.
// Distinguishing event types is the callback's job, via the MetadataClass
// it receives. Returns ErrAlreadyRun if p has already started running.
func (p *UntypedParser) Handle(cb func(*MetadataClass, FieldMap, *Control)) error {
	return p.disp.addUntyped(cb)
}

// Run walks the recording, invoking every registered untyped handler for
// every event record. Returns ErrAlreadyRun if called more than once.
func (p *UntypedParser) Run() error { return p.run() }

// Close releases the underlying byte stream. Safe to call more than once.
func (p *UntypedParser) Close() error { return p.close() }
