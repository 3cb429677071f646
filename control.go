// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import "time"

// ChunkInfo is the timing/sizing metadata of the chunk an event belongs to,
// per §6's Control.chunk_info.
type ChunkInfo struct {
	StartTime time.Time
	Duration  time.Duration
	Size      uint64
	header    *ChunkHeader
}

// TicksTo converts a tick count in this chunk's own clock (StartTicks,
// TicksPerSecond) into a duration, per §6's chunk_info().ticks_to(unit,
// ticks) — unit is expressed as the returned time.Duration's own
// resolution, so callers divide by whatever unit they want.
func (ci ChunkInfo) TicksTo(ticks int64) time.Duration {
	if ci.header == nil {
		return 0
	}
	return time.Duration(ci.header.ticksToNanos(ticks))
}

// Control is passed to every handler alongside its decoded event, exposing
// the current byte position and the owning chunk's timing metadata. It is
// opaque beyond this accessor surface, per the glossary.
type Control struct {
	pos    int64
	info   ChunkInfo
}

// StreamPosition returns the byte offset in the recording immediately
// after the event currently being delivered.
func (c *Control) StreamPosition() int64 { return c.pos }

// ChunkInfo returns the timing/sizing metadata of the event's chunk.
func (c *Control) ChunkInfo() ChunkInfo { return c.info }

func newControl(pos int64, header *ChunkHeader) *Control {
	return &Control{
		pos: pos,
		info: ChunkInfo{
			StartTime: time.Unix(0, header.StartTimeNanos).UTC(),
			Duration:  time.Duration(header.DurationNanos),
			Size:      header.ChunkSize,
			header:    header,
		},
	}
}
