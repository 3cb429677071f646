// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

// Strategy selects eager-vs-lazy field-map construction for the untyped
// parser, per §4.G.
type Strategy int

const (
	// SparseAccess builds eager maps for classes at or under
	// sparseAccessThreshold fields and lazy maps for larger ones, on the
	// assumption that callers only touch a handful of fields per event.
	SparseAccess Strategy = iota

	// FullIteration always builds eager maps, on the assumption that
	// callers iterate every field.
	FullIteration

	// Auto currently aliases SparseAccess, per §4.G: "AUTO currently
	// aliases to SPARSE_ACCESS."
	Auto
)

// layoutKindFor resolves the strategy to a concrete layout kind for a class
// with the given field count.
func (s Strategy) layoutKindFor(fieldCount int) layoutKind {
	switch s {
	case FullIteration:
		return layoutEager
	default: // SparseAccess, Auto
		if fieldCount <= sparseAccessThreshold {
			return layoutEager
		}
		return layoutLazy
	}
}
