// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package stone

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/serpent-os/tools/lib/dependency"
)

// MetaKind identifies the wire encoding of a Meta record's value.
type MetaKind uint8

const (
	MetaInt8 MetaKind = iota + 1
	MetaUint8
	MetaInt16
	MetaUint16
	MetaInt32
	MetaUint32
	MetaInt64
	MetaUint64
	MetaString
	MetaDependency
	MetaProvider
)

// MetaTag identifies which well-known field a Meta record carries.
type MetaTag uint16

const (
	TagName MetaTag = iota + 1
	TagArchitecture
	TagVersion
	TagSummary
	TagDescription
	TagHomepage
	TagSourceID
	TagDepends
	TagProvides
	TagConflicts
	TagRelease
	TagLicense
	TagBuildRelease
	TagPackageURI
	TagPackageHash
	TagPackageSize
	TagBuildDepends
	TagSourceURI
	TagSourcePath
	TagSourceRef
)

// Meta is a single package metadata record: a tagged, typed value.
// String tags carry Value; Int8/Uint8/.../Int64/Uint64 tags carry
// Number, encoded on the wire as a fixed-width big-endian integer
// whose width matches Kind; Depends/Provides/BuildDepends/Conflicts
// carry Expression instead.
type Meta struct {
	Tag        MetaTag
	Kind       MetaKind
	Value      string
	Number     uint64
	Expression dependency.Expression
}

// numericWidth returns the wire width in bytes of kind's fixed-width
// integer encoding, or 0 if kind isn't one of the numeric kinds.
func numericWidth(kind MetaKind) int {
	switch kind {
	case MetaInt8, MetaUint8:
		return 1
	case MetaInt16, MetaUint16:
		return 2
	case MetaInt32, MetaUint32:
		return 4
	case MetaInt64, MetaUint64:
		return 8
	default:
		return 0
	}
}

func decodeMeta(r io.Reader) (Meta, error) {
	var head [8]byte // length(4) + tag(2) + kind(1) + padding(1)
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Meta{}, err
	}

	length := binary.BigEndian.Uint32(head[0:4])
	tag := MetaTag(binary.BigEndian.Uint16(head[4:6]))
	kind := MetaKind(head[6])

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Meta{}, err
	}

	m := Meta{Tag: tag, Kind: kind}

	switch {
	case kind == MetaDependency || kind == MetaProvider:
		if len(data) < 1 {
			return Meta{}, fmt.Errorf("stone: truncated dependency meta record")
		}
		m.Expression = dependency.Expression{
			Kind: dependency.Kind(data[0]),
			Name: string(data[1:]),
		}
	case numericWidth(kind) != 0:
		width := numericWidth(kind)
		if len(data) != width {
			return Meta{}, fmt.Errorf("stone: numeric meta record has %d bytes, want %d for kind %d", len(data), width, kind)
		}
		var buf [8]byte
		copy(buf[8-width:], data)
		m.Number = binary.BigEndian.Uint64(buf[:])
	default:
		m.Value = string(data)
	}

	return m, nil
}

func encodeMeta(w io.Writer, m Meta) error {
	var data []byte
	switch {
	case m.Kind == MetaDependency || m.Kind == MetaProvider:
		data = append([]byte{byte(m.Expression.Kind)}, []byte(m.Expression.Name)...)
	case numericWidth(m.Kind) != 0:
		width := numericWidth(m.Kind)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], m.Number)
		data = buf[8-width:]
	default:
		data = []byte(m.Value)
	}

	var head [8]byte
	binary.BigEndian.PutUint32(head[0:4], uint32(len(data)))
	binary.BigEndian.PutUint16(head[4:6], uint16(m.Tag))
	head[6] = byte(m.Kind)

	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// LayoutFileType identifies what kind of filesystem entry a Layout
// record installs.
type LayoutFileType uint8

const (
	LayoutRegular LayoutFileType = iota + 1
	LayoutSymlink
	LayoutDirectory
	LayoutCharacterDevice
	LayoutBlockDevice
	LayoutFifo
	LayoutSocket
)

// Layout maps a single filesystem entry (owned by a package) to its
// disk attributes and, for regular files, its content hash.
type Layout struct {
	UID      uint32
	GID      uint32
	Mode     uint32
	Tag      uint32
	FileType LayoutFileType
	Source   []byte // populated for Regular (16-byte content digest) and Symlink (target text)
	Target   string
}

func decodeLayout(r io.Reader) (Layout, error) {
	var fixed [32]byte // uid,gid,mode,tag(16) + source_len,target_len(4) + file_type(1) + padding(11)
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Layout{}, err
	}

	l := Layout{
		UID:      binary.BigEndian.Uint32(fixed[0:4]),
		GID:      binary.BigEndian.Uint32(fixed[4:8]),
		Mode:     binary.BigEndian.Uint32(fixed[8:12]),
		Tag:      binary.BigEndian.Uint32(fixed[12:16]),
		FileType: LayoutFileType(fixed[20]),
	}

	sourceLen := binary.BigEndian.Uint16(fixed[16:18])
	targetLen := binary.BigEndian.Uint16(fixed[18:20])

	if sourceLen > 0 {
		l.Source = make([]byte, sourceLen)
		if _, err := io.ReadFull(r, l.Source); err != nil {
			return Layout{}, err
		}
	}

	target := make([]byte, targetLen)
	if _, err := io.ReadFull(r, target); err != nil {
		return Layout{}, err
	}
	l.Target = string(target)

	return l, nil
}

func encodeLayout(w io.Writer, l Layout) error {
	var fixed [32]byte
	binary.BigEndian.PutUint32(fixed[0:4], l.UID)
	binary.BigEndian.PutUint32(fixed[4:8], l.GID)
	binary.BigEndian.PutUint32(fixed[8:12], l.Mode)
	binary.BigEndian.PutUint32(fixed[12:16], l.Tag)
	binary.BigEndian.PutUint16(fixed[16:18], uint16(len(l.Source)))
	binary.BigEndian.PutUint16(fixed[18:20], uint16(len(l.Target)))
	fixed[20] = byte(l.FileType)

	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if len(l.Source) > 0 {
		if _, err := w.Write(l.Source); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte(l.Target))
	return err
}

// Index maps a byte range within the Content payload to the blob
// digest it reconstructs, so a hashstore can deduplicate the region
// independently of any other region in the same package.
type Index struct {
	Start  uint64
	End    uint64
	Digest [16]byte
}

func decodeIndex(r io.Reader) (Index, error) {
	var buf [32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Index{}, err
	}
	var idx Index
	idx.Start = binary.BigEndian.Uint64(buf[0:8])
	idx.End = binary.BigEndian.Uint64(buf[8:16])
	copy(idx.Digest[:], buf[16:32])
	return idx, nil
}

func encodeIndex(w io.Writer, idx Index) error {
	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], idx.Start)
	binary.BigEndian.PutUint64(buf[8:16], idx.End)
	copy(buf[16:32], idx.Digest[:])
	_, err := w.Write(buf[:])
	return err
}

// Attribute is a free-form key/value pair, used for extension fields
// that predate a dedicated Meta tag.
type Attribute struct {
	Key   []byte
	Value []byte
}

func decodeAttribute(r io.Reader) (Attribute, error) {
	var lens [16]byte
	if _, err := io.ReadFull(r, lens[:]); err != nil {
		return Attribute{}, err
	}
	keyLen := binary.BigEndian.Uint64(lens[0:8])
	valLen := binary.BigEndian.Uint64(lens[8:16])

	a := Attribute{Key: make([]byte, keyLen), Value: make([]byte, valLen)}
	if _, err := io.ReadFull(r, a.Key); err != nil {
		return Attribute{}, err
	}
	if _, err := io.ReadFull(r, a.Value); err != nil {
		return Attribute{}, err
	}
	return a, nil
}

func encodeAttribute(w io.Writer, a Attribute) error {
	var lens [16]byte
	binary.BigEndian.PutUint64(lens[0:8], uint64(len(a.Key)))
	binary.BigEndian.PutUint64(lens[8:16], uint64(len(a.Value)))
	if _, err := w.Write(lens[:]); err != nil {
		return err
	}
	if _, err := w.Write(a.Key); err != nil {
		return err
	}
	_, err := w.Write(a.Value)
	return err
}
