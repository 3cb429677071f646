// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrategyLayoutKindFor(t *testing.T) {
	tests := []struct {
		name       string
		strategy   Strategy
		fieldCount int
		want       layoutKind
	}{
		{"sparse at threshold", SparseAccess, sparseAccessThreshold, layoutEager},
		{"sparse over threshold", SparseAccess, sparseAccessThreshold + 1, layoutLazy},
		{"full iteration always eager", FullIteration, sparseAccessThreshold + 100, layoutEager},
		{"auto aliases sparse", Auto, sparseAccessThreshold + 1, layoutLazy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.strategy.layoutKindFor(tt.fieldCount))
		})
	}
}
