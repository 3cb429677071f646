// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import "sync"

// iteratorEvent is one event handed from the producing Run goroutine to an
// EventIterator's consumer.
type iteratorEvent struct {
	class *MetadataClass
	field FieldMap
	ctrl  *Control
}

// EventIterator adapts UntypedParser's push-style Handle callback into a
// pull-style HasNext/Next loop, per §4.I's "an iterator-style adapter layer
// entirely outside the core contract". The bounded channel keeps the
// producer at most bufSize events ahead of the consumer, so memory use stays
// flat regardless of recording size.
type EventIterator struct {
	events chan iteratorEvent
	stop   chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	cur iteratorEvent
}

// Iterator registers a pull adapter and starts the parser running in a
// background goroutine. bufSize bounds how many decoded events may queue
// ahead of the consumer; values below 1 behave like 1.
// Calling Handle again on p after Iterator has no effect on events already
// in flight through the returned iterator, and is rejected the same way any
// post-freeze registration is: with ErrAlreadyRun.
func (p *UntypedParser) Iterator(bufSize int) *EventIterator {
	if bufSize < 1 {
		bufSize = 1
	}
	it := &EventIterator{
		events: make(chan iteratorEvent, bufSize),
		stop:   make(chan struct{}),
	}

	if err := p.Handle(func(cls *MetadataClass, fm FieldMap, ctrl *Control) {
		select {
		case it.events <- iteratorEvent{class: cls, field: fm, ctrl: ctrl}:
		case <-it.stop:
		}
	}); err != nil {
		it.setErr(err)
		close(it.events)
		return it
	}
	p.disp.freeze()

	go func() {
		defer close(it.events)
		if err := p.Run(); err != nil {
			it.setErr(err)
		}
	}()
	return it
}

// HasNext blocks until the next event is available, the recording is
// exhausted, or the producer fails. It returns false in the latter two
// cases; callers should check ParsingError to tell them apart.
func (it *EventIterator) HasNext() bool {
	ev, ok := <-it.events
	if !ok {
		return false
	}
	it.cur = ev
	return true
}

// Next returns the event most recently made available by HasNext.
func (it *EventIterator) Next() (*MetadataClass, FieldMap, *Control) {
	return it.cur.class, it.cur.field, it.cur.ctrl
}

// ParsingError returns the error that stopped the producer, if HasNext
// returned false because of a failure rather than a clean end of stream.
func (it *EventIterator) ParsingError() error {
	it.errMu.Lock()
	defer it.errMu.Unlock()
	return it.err
}

func (it *EventIterator) setErr(err error) {
	it.errMu.Lock()
	defer it.errMu.Unlock()
	it.err = err
}

// Close signals the producer to stop (unblocking a pending send if the
// consumer abandons iteration early) and releases the parser's underlying
// byte stream. Safe to call more than once.
func (it *EventIterator) Close(p *UntypedParser) error {
	it.stopOnce.Do(func() { close(it.stop) })
	return p.Close()
}
