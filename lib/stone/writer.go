// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package stone

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Writer builds a stone container payload by payload and writes it out
// once via Finalize. Every payload, the Content payload included, is
// buffered in memory until Finalize.
type Writer struct {
	fileType FileType
	sections []section

	content       bytes.Buffer
	contentIndex  []Index
	contentPlain  uint64
	hasContent    bool
}

type section struct {
	kind    Kind
	buf     bytes.Buffer
	records uint32
}

// NewWriter returns a Writer that will produce a container of the
// given top-level file type.
func NewWriter(fileType FileType) *Writer {
	return &Writer{fileType: fileType}
}

func (w *Writer) sectionFor(kind Kind) *section {
	for i := range w.sections {
		if w.sections[i].kind == kind {
			return &w.sections[i]
		}
	}
	w.sections = append(w.sections, section{kind: kind})
	return &w.sections[len(w.sections)-1]
}

// AddMeta appends a Meta record.
func (w *Writer) AddMeta(m Meta) error {
	s := w.sectionFor(KindMeta)
	if err := encodeMeta(&s.buf, m); err != nil {
		return err
	}
	s.records++
	return nil
}

// AddLayout appends a Layout record.
func (w *Writer) AddLayout(l Layout) error {
	s := w.sectionFor(KindLayout)
	if err := encodeLayout(&s.buf, l); err != nil {
		return err
	}
	s.records++
	return nil
}

// AddAttribute appends an Attribute record.
func (w *Writer) AddAttribute(a Attribute) error {
	s := w.sectionFor(KindAttributes)
	if err := encodeAttribute(&s.buf, a); err != nil {
		return err
	}
	s.records++
	return nil
}

// AddFile appends plain to the Content payload and records an Index
// entry describing the byte range it occupies and its content digest,
// mirroring the reference writer's Content builder.
func (w *Writer) AddFile(plain []byte) Index {
	start := w.contentPlain
	w.content.Write(plain)
	w.contentPlain += uint64(len(plain))

	idx := Index{
		Start:  start,
		End:    w.contentPlain,
		Digest: contentDigest(plain),
	}
	w.contentIndex = append(w.contentIndex, idx)
	w.hasContent = true

	s := w.sectionFor(KindIndex)
	// Index records ride in their own payload; the writer commits them
	// automatically at Finalize time via w.contentIndex.
	_ = s
	return idx
}

// Finalize writes the complete container to dst: header, then each
// non-Content payload compressed with zstd in the order its kind was
// first added (the Index payload describing the content among them,
// placed when the first file was added), then the Content payload if
// any file was added.
func (w *Writer) Finalize(dst io.Writer) error {
	if len(w.contentIndex) > 0 {
		s := w.sectionFor(KindIndex)
		for _, idx := range w.contentIndex {
			if err := encodeIndex(&s.buf, idx); err != nil {
				return err
			}
			s.records++
		}
	}

	numPayloads := uint16(len(w.sections))
	if w.hasContent {
		numPayloads++
	}

	if err := encodeHeader(dst, Header{Version: V1, NumPayloads: numPayloads, FileType: w.fileType}); err != nil {
		return err
	}

	for _, s := range w.sections {
		if err := writeCompressedPayload(dst, s.kind, s.records, s.buf.Bytes()); err != nil {
			return fmt.Errorf("stone: write %s payload: %w", s.kind, err)
		}
	}

	if w.hasContent {
		if err := writeCompressedPayload(dst, KindContent, 0, w.content.Bytes()); err != nil {
			return fmt.Errorf("stone: write content payload: %w", err)
		}
	}

	return nil
}

func writeCompressedPayload(dst io.Writer, kind Kind, numRecords uint32, plain []byte) error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("stone: zstd encoder: %w", err)
	}
	defer enc.Close()

	stored := enc.EncodeAll(plain, make([]byte, 0, len(plain)))

	header := PayloadHeader{
		StoredSize:  uint64(len(stored)),
		PlainSize:   uint64(len(plain)),
		Checksum:    payloadChecksum(stored),
		NumRecords:  numRecords,
		Version:     1,
		Kind:        kind,
		Compression: CompressionZstd,
	}

	if err := encodePayloadHeader(dst, header); err != nil {
		return err
	}
	_, err = dst.Write(stored)
	return err
}
