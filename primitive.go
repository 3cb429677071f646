// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package jfr

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// maxVarintBytes bounds a LEB128 varint to 9 bytes: 8 payload bytes of 7
// bits plus one final byte whose 8 bits are all payload, enough for a full
// 64-bit value. The ninth byte always ends the varint.
const maxVarintBytes = 9

// inline string tag values, per the wire format.
const (
	stringTagNull     = 0
	stringTagEmpty    = 1
	stringTagCPRef    = 2
	stringTagUTF16    = 3
	stringTagEmpty2   = 4
	stringTagUTF8     = 5
)

// readUvarint decodes an unsigned LEB128 varint: 7 payload bits per byte,
// high bit set means "more bytes follow". Mirrors encoding/binary.Uvarint's
// own loop, applied directly to the byte stream instead of a []byte, the
// same shape the pack's loki/memchunk.go uses over its own buffer.
func readUvarint(bs *byteStream) (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < maxVarintBytes; i++ {
		b, err := bs.ReadU8()
		if err != nil {
			return 0, err
		}
		if i == maxVarintBytes-1 {
			// Last allowed byte: no continuation bit, all 8 bits count.
			result |= uint64(b) << shift
			return result, nil
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("%w: exceeded %d bytes", ErrMalformedVarint, maxVarintBytes)
}

// readVarint decodes a signed LEB128 varint using ZigZag: the unsigned
// value's low bit is the sign, the rest is the magnitude.
func readVarint(bs *byteStream) (int64, error) {
	u, err := readUvarint(bs)
	if err != nil {
		return 0, err
	}
	return zigZagDecode(u), nil
}

func zigZagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func zigZagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

// readInlineString decodes a JFR inline string: a leading tag byte followed
// by tag-specific payload. CP-backed strings (tag 2) return just the id;
// the caller is responsible for dereferencing it against the right pool,
// since the primitive codec has no pool access.
type inlineString struct {
	tag   uint8
	value string // valid for null/empty/utf16/utf8 tags
	cpID  uint64 // valid for the cp-ref tag
}

func readInlineString(bs *byteStream) (inlineString, error) {
	tag, err := bs.ReadU8()
	if err != nil {
		return inlineString{}, err
	}

	switch tag {
	case stringTagNull, stringTagEmpty, stringTagEmpty2:
		return inlineString{tag: tag, value: ""}, nil

	case stringTagCPRef:
		id, err := readUvarint(bs)
		if err != nil {
			return inlineString{}, err
		}
		return inlineString{tag: tag, cpID: id}, nil

	case stringTagUTF16:
		n, err := readUvarint(bs)
		if err != nil {
			return inlineString{}, err
		}
		raw, err := bs.readN(int(n) * 2)
		if err != nil {
			return inlineString{}, err
		}
		s, err := decodeUTF16BE(raw)
		if err != nil {
			return inlineString{}, err
		}
		return inlineString{tag: tag, value: s}, nil

	case stringTagUTF8:
		n, err := readUvarint(bs)
		if err != nil {
			return inlineString{}, err
		}
		raw, err := bs.readN(int(n))
		if err != nil {
			return inlineString{}, err
		}
		return inlineString{tag: tag, value: string(raw)}, nil

	default:
		return inlineString{}, fmt.Errorf("%w: tag %d", ErrInvalidStringTag, tag)
	}
}

// decodeUTF16BE decodes big-endian UTF-16 code units into a Go string,
// using the same x/text decoder the teacher uses for its (little-endian)
// UTF-16 strings.
func decodeUTF16BE(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	decoder := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := decoder.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: utf16 decode: %v", ErrInvalidStringTag, err)
	}
	return string(s), nil
}

// readArrayLength reads the varint length prefix shared by every JFR array
// encoding (plain arrays and CP-backed id arrays alike).
func readArrayLength(bs *byteStream) (int, error) {
	n, err := readUvarint(bs)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
