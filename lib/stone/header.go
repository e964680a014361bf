// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

// Package stone implements the .stone binary container format: a
// versioned header followed by a sequence of independently framed,
// checksummed, optionally compressed payloads.
package stone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the four-byte value that must open every stone container.
const Magic uint32 = 0x006d6f73

// integrityCheck is the fixed 21-byte constant embedded in every v1
// header. It carries no information beyond confirming the header
// wasn't truncated or shifted; a future header version may replace it.
var integrityCheck = [21]byte{
	0, 0, 1, 0, 0, 2, 0, 0, 3, 0, 0, 4, 0, 0, 5, 0, 0, 6, 0, 0, 7,
}

// FileType identifies what a stone container as a whole represents.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeBinary
	FileTypeDelta
	FileTypeRepository
	FileTypeBuildManifest
)

func (t FileType) String() string {
	switch t {
	case FileTypeBinary:
		return "binary"
	case FileTypeDelta:
		return "delta"
	case FileTypeRepository:
		return "repository"
	case FileTypeBuildManifest:
		return "build-manifest"
	default:
		return "unknown"
	}
}

// Version identifies the on-disk header layout.
type Version uint32

const V1 Version = 1

// ErrBadMagic is returned when a stream does not begin with Magic.
var ErrBadMagic = errors.New("stone: bad magic")

// ErrUnsupportedVersion is returned when the header names a version
// this codec does not implement.
var ErrUnsupportedVersion = errors.New("stone: unsupported header version")

// Header is the fixed 32-byte container header.
type Header struct {
	Version     Version
	NumPayloads uint16
	FileType    FileType
}

// decodeHeader reads and validates the 32-byte agnostic header,
// dispatching to the version-specific layout. Byte layout (v1):
//
//	[0:4]   magic, big-endian
//	[4:6]   num_payloads, big-endian u16
//	[6:27]  integrityCheck, fixed constant
//	[27]    file_type
//	[28:32] version, big-endian u32
func decodeHeader(r io.Reader) (Header, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("stone: read header: %w", err)
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, ErrBadMagic
	}

	version := Version(binary.BigEndian.Uint32(buf[28:32]))
	if version != V1 {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	numPayloads := binary.BigEndian.Uint16(buf[4:6])
	fileType := FileType(buf[27])

	return Header{
		Version:     version,
		NumPayloads: numPayloads,
		FileType:    fileType,
	}, nil
}

func encodeHeader(w io.Writer, h Header) error {
	var buf [32]byte
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.NumPayloads)
	copy(buf[6:27], integrityCheck[:])
	buf[27] = byte(h.FileType)
	binary.BigEndian.PutUint32(buf[28:32], uint32(h.Version))

	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("stone: write header: %w", err)
	}
	return nil
}
