// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"fmt"

	"github.com/cespare/xxhash"
)

// Fingerprint is a stable structural hash of a MetadataClass, used to
// decide whether a previously compiled reader can be reused. Two classes
// with different chunk-local ids but identical field shape share a
// Fingerprint, per §4.F.
type Fingerprint uint64

// relevantAnnotations are the only annotations that affect decoding and
// therefore participate in the fingerprint; purely descriptive annotations
// (e.g. a human-readable label) are not structural and are excluded so two
// otherwise-identical classes don't get distinct fingerprints over cosmetic
// metadata differences.
var relevantAnnotations = []string{"jdk.jfr.Timestamp", "jdk.jfr.Frequency", "jdk.jfr.Unsigned"}

// cycleSentinel is written into the hash in place of recursing into a class
// that's already on the current visit stack, per §4.F/§9's cycle-breaking
// rule.
const cycleSentinel = "\x00CYCLE\x00"

// computeFingerprint hashes cls depth-first: the class's own name and
// annotations, then each field in order, recursing into the field's
// resolved class. Recursion is broken by tracking classes currently on the
// visit stack (not globally visited classes, since a DAG may legitimately
// reference the same class from two different paths).
func computeFingerprint(cls *MetadataClass) Fingerprint {
	visiting := make(map[int64]bool)
	d := xxhash.New()
	fingerprintInto(d, cls, visiting)
	return Fingerprint(d.Sum64())
}

func fingerprintInto(d *xxhash.Digest, cls *MetadataClass, visiting map[int64]bool) {
	if cls == nil {
		fmt.Fprint(d, "\x00NIL\x00")
		return
	}
	if visiting[cls.ID] {
		fmt.Fprint(d, cycleSentinel)
		return
	}
	visiting[cls.ID] = true
	defer delete(visiting, cls.ID)

	fmt.Fprintf(d, "class:%s\n", cls.Name)

	for _, a := range relevantAnnotations {
		if v, ok := cls.Annotations[a]; ok {
			fmt.Fprintf(d, "anno:%s=%s\n", a, v)
		}
	}

	for _, f := range cls.Fields {
		fingerprintField(d, f, visiting)
	}
}

func fingerprintField(d *xxhash.Digest, f *FieldDescriptor, visiting map[int64]bool) {
	fmt.Fprintf(d, "field:%s array:%t cp:%t unsigned:%t\n",
		f.Name, f.Array, f.ConstantPool, f.Unsigned)

	for _, a := range relevantAnnotations {
		if v, ok := f.Annotations[a]; ok {
			fmt.Fprintf(d, "fanno:%s=%s\n", a, v)
		}
	}

	switch {
	case f.resolvedKind == kindPrimitive || f.resolvedKind == kindString:
		fmt.Fprintf(d, "prim:%s\n", f.TypeName)
	case f.resolvedType != nil:
		fingerprintInto(d, f.resolvedType, visiting)
	default:
		// Unresolved: fold the bare type name in so two chunks with the
		// same dangling reference still compare equal.
		fmt.Fprintf(d, "unresolved:%s\n", f.TypeName)
	}
}
