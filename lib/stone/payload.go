// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package stone

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind identifies which section of a stone container a payload holds.
type Kind uint8

const (
	KindMeta Kind = iota + 1
	KindContent
	KindLayout
	KindIndex
	KindAttributes
	KindDumb
)

func (k Kind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindContent:
		return "content"
	case KindLayout:
		return "layout"
	case KindIndex:
		return "index"
	case KindAttributes:
		return "attributes"
	case KindDumb:
		return "dumb"
	default:
		return fmt.Sprintf("stone.Kind(%d)", uint8(k))
	}
}

// Compression identifies how a payload's body is stored on disk.
type Compression uint8

const (
	CompressionNone Compression = iota + 1
	CompressionZstd
)

// PayloadHeader is the fixed 32-byte header that precedes every
// payload body:
//
//	[0:8]   stored_size, big-endian u64 (bytes on disk, post-compression)
//	[8:16]  plain_size, big-endian u64 (bytes once decompressed)
//	[16:24] checksum
//	[24:28] num_records, big-endian u32
//	[28:30] version, big-endian u16
//	[30]    kind
//	[31]    compression
type PayloadHeader struct {
	StoredSize  uint64
	PlainSize   uint64
	Checksum    [8]byte
	NumRecords  uint32
	Version     uint16
	Kind        Kind
	Compression Compression
}

func decodePayloadHeader(r io.Reader) (PayloadHeader, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PayloadHeader{}, err
	}

	var h PayloadHeader
	h.StoredSize = binary.BigEndian.Uint64(buf[0:8])
	h.PlainSize = binary.BigEndian.Uint64(buf[8:16])
	copy(h.Checksum[:], buf[16:24])
	h.NumRecords = binary.BigEndian.Uint32(buf[24:28])
	h.Version = binary.BigEndian.Uint16(buf[28:30])

	switch k := buf[30]; k {
	case 1, 2, 3, 4, 5, 6:
		h.Kind = Kind(k)
	default:
		return PayloadHeader{}, fmt.Errorf("stone: unknown payload kind %d", k)
	}

	switch c := buf[31]; c {
	case 1, 2:
		h.Compression = Compression(c)
	default:
		return PayloadHeader{}, fmt.Errorf("stone: unknown payload compression %d", c)
	}

	return h, nil
}

func encodePayloadHeader(w io.Writer, h PayloadHeader) error {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], h.StoredSize)
	binary.BigEndian.PutUint64(buf[8:16], h.PlainSize)
	copy(buf[16:24], h.Checksum[:])
	binary.BigEndian.PutUint32(buf[24:28], h.NumRecords)
	binary.BigEndian.PutUint16(buf[28:30], h.Version)
	buf[30] = byte(h.Kind)
	buf[31] = byte(h.Compression)

	_, err := w.Write(buf[:])
	return err
}
