// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds raised by the parser. Use
// errors.Is/errors.As against these to classify a failure; call sites wrap
// them with additional context via fmt.Errorf("...: %w", ErrX).
var (
	// ErrIo is raised on an underlying file or mapping failure.
	ErrIo = errors.New("jfr: i/o failure")

	// ErrEof is raised when a read runs past the end of the byte stream.
	ErrEof = errors.New("jfr: end of stream")

	// ErrMalformedHeader is raised when the chunk magic doesn't match or the
	// header is smaller than the fixed layout requires. Fatal for the whole
	// recording.
	ErrMalformedHeader = errors.New("jfr: malformed chunk header")

	// ErrMalformedChunk is raised for an out-of-range offset, an event
	// record whose declared size doesn't match bytes consumed, or an inline
	// cycle in the metadata graph. Chunk-fatal; parsing halts for the
	// recording by design, no silent skipping.
	ErrMalformedChunk = errors.New("jfr: malformed chunk")

	// ErrMalformedVarint is raised when a LEB128 varint runs past its
	// maximum byte length without terminating.
	ErrMalformedVarint = errors.New("jfr: malformed varint")

	// ErrInvalidStringTag is raised when an inline string's leading tag byte
	// is not one of the defined values.
	ErrInvalidStringTag = errors.New("jfr: invalid inline string tag")

	// ErrUnresolvedType is raised when a constant-pool reference names a
	// type with no pool in the chunk, or an id missing from that type's
	// pool. A metadata field whose type name is undefined is not an error:
	// it is logged and the field is scanned as an inline string.
	ErrUnresolvedType = errors.New("jfr: unresolved type reference")

	// ErrConfiguration is raised from HandleTyped when the handler target
	// fails validation: not a struct, or an empty JfrEventType name.
	ErrConfiguration = errors.New("jfr: invalid handler configuration")

	// ErrAlreadyRun is raised from Handle when registration is attempted
	// after Run has started.
	ErrAlreadyRun = errors.New("jfr: parser already run")

	// errPoolNotReady is internal: a constant-pool dereference attempted
	// before the chunk's pools_ready transition. Event decoding only
	// happens after pools_ready, so this should never surface to a caller.
	errPoolNotReady = errors.New("jfr: constant pool not ready")
)

// wrapConfigErr wraps ErrConfiguration with a formatted message, the
// shared raise path for every handler-registration validation failure.
func wrapConfigErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
