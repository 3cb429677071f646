// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saferwall/jfr/internal/jlog"
)

// cacheKey identifies one compiled reader: a structural fingerprint, the
// decoding mode, and (for typed mode) the target struct type. Two classes
// that fingerprint identically share whatever's cached under the same key,
// per §4.F/§4.J.
type cacheKey struct {
	fp     Fingerprint
	kind   layoutKind
	target reflect.Type
}

// ParsingContext is the only state that legitimately outlives a parser
// session (§4.J): the compiled-reader cache, a cumulative uptime counter,
// and the handler-interface descriptor registry. Safe for concurrent
// sessions sharing one context.
type ParsingContext struct {
	cache       sync.Map // cacheKey -> *compiledLayout
	uptimeNanos atomic.Int64

	descMu sync.Mutex
	descs  map[reflect.Type]*typedEventDescriptor

	log *jlog.Helper
}

// NewParsingContext creates a fresh, empty cross-recording context. Logging
// defaults to a discarding helper; use WithLogger for diagnostics.
func NewParsingContext() *ParsingContext {
	return &ParsingContext{
		descs: make(map[reflect.Type]*typedEventDescriptor),
		log:   jlog.NewDiscard(),
	}
}

// WithLogger attaches a leveled logger to every session created from this
// context.
func (c *ParsingContext) WithLogger(level logrus.Level) *ParsingContext {
	c.log = jlog.New(level)
	return c
}

// Uptime returns the cumulative wall-clock time spent inside Run across
// every session that has used this context.
func (c *ParsingContext) Uptime() time.Duration {
	return time.Duration(c.uptimeNanos.Load())
}

func (c *ParsingContext) addUptime(d time.Duration) {
	c.uptimeNanos.Add(int64(d))
}

// getOrCompile returns the cached compiled reader for (fingerprint, kind,
// target), compiling and inserting it on a cache miss. Concurrent misses
// for the same key may race to compile; the loser's result is discarded in
// favor of whichever LoadOrStore won, which is safe since compilation is
// pure and deterministic (§4.G's observable contract) — any of the racing
// results would have been byte-identical anyway.
func (c *ParsingContext) getOrCompile(cls *MetadataClass, kind layoutKind, target reflect.Type) (*compiledLayout, error) {
	fp := computeFingerprint(cls)
	key := cacheKey{fp: fp, kind: kind, target: target}

	if v, ok := c.cache.Load(key); ok {
		return v.(*compiledLayout), nil
	}

	layout, err := compileLayout(cls, kind, target)
	if err != nil {
		return nil, err
	}

	actual, _ := c.cache.LoadOrStore(key, layout)
	return actual.(*compiledLayout), nil
}

// eagerCompiler adapts getOrCompile to the signature chunk.go's
// chunkWalker needs for constant-pool value classes, which are always
// decoded untyped-eager regardless of the session's own strategy.
func (c *ParsingContext) eagerCompiler() func(*MetadataClass) (*compiledLayout, error) {
	return func(cls *MetadataClass) (*compiledLayout, error) {
		return c.getOrCompile(cls, layoutEager, nil)
	}
}

// typedEventDescriptor is a validated handler-interface binding: the
// struct type, the JFR class name it targets, and its field-name index —
// built once per type at first Handle call, per §4.J's "registry of
// handler-interface descriptors".
type typedEventDescriptor struct {
	targetType reflect.Type // dereferenced struct type
	className  string
	fieldIndex map[string]int
}

// TypedEvent is implemented by every struct type registered with
// HandleTyped. JfrEventType names the JFR metadata class this struct binds
// to, the Go-idiomatic stand-in for §4.I's "@JfrType-annotated target".
type TypedEvent interface {
	JfrEventType() string
}

// descriptorFor validates and caches the handler-interface descriptor for
// T, raising ErrConfiguration for a target that doesn't satisfy TypedEvent,
// isn't a struct, or declares an empty event type name.
func (c *ParsingContext) descriptorFor(sample TypedEvent) (*typedEventDescriptor, error) {
	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	c.descMu.Lock()
	defer c.descMu.Unlock()
	if d, ok := c.descs[t]; ok {
		return d, nil
	}

	if t.Kind() != reflect.Struct {
		return nil, wrapConfigErr("handler target %s is not a struct", t)
	}
	name := sample.JfrEventType()
	if name == "" {
		return nil, wrapConfigErr("handler target %s has an empty JfrEventType", t)
	}

	d := &typedEventDescriptor{
		targetType: t,
		className:  name,
		fieldIndex: structJfrFieldIndex(t),
	}
	c.descs[t] = d
	return d, nil
}
