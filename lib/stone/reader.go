// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package stone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/klauspost/compress/zstd"
)

// ErrChecksumMismatch is returned when a payload's stored bytes do not
// match its recorded checksum.
var ErrChecksumMismatch = errors.New("stone: payload checksum mismatch")

// Payload is one decoded section of a container. For a Content payload
// only Content is set; its bytes are read with LoadContent.
type Payload struct {
	Kind    Kind
	Meta    []Meta
	Layout  []Layout
	Index   []Index
	Attrs   []Attribute
	Content *ContentRef
}

// ContentRef locates the Content payload's body within the source
// stream; its bytes are read on demand via Reader.LoadContent, since
// packages routinely carry hundreds of megabytes of file data that
// callers may want to stream straight into a hashstore instead of
// buffering in memory.
type ContentRef struct {
	offset      int64
	storedSize  uint64
	compression Compression
	checksum    [8]byte
}

// Reader decodes a stone container from a seekable source.
type Reader struct {
	r      io.ReadSeeker
	Header Header
	pos    uint16 // payload headers consumed so far, for NextPayload
}

// NewReader decodes the container header and returns a Reader
// positioned at the first payload.
func NewReader(r io.ReadSeeker) (*Reader, error) {
	h, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, Header: h}, nil
}

// ReadPayloads decodes every non-Content payload and returns them,
// along with the ContentRef if a Content payload was present. It stops
// as soon as it has consumed Header.NumPayloads payload headers.
func (rd *Reader) ReadPayloads() ([]Payload, error) {
	payloads := make([]Payload, 0, rd.Header.NumPayloads)

	for {
		p, ok, err := rd.NextPayload()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		payloads = append(payloads, p)
	}

	return payloads, nil
}

// NextPayload decodes and returns the payload following whatever was
// last read, in pull fashion: call repeatedly until ok is false. It
// holds no lookahead, so a caller only interested in a container's
// metadata can stop pulling once it sees the payload kind it wants,
// leaving the rest of the stream (typically the bulk Content payload)
// unread.
func (rd *Reader) NextPayload() (p Payload, ok bool, err error) {
	if rd.pos >= rd.Header.NumPayloads {
		return Payload{}, false, nil
	}

	p, err = rd.readOnePayload()
	if err != nil {
		return Payload{}, false, fmt.Errorf("stone: decode payload %d: %w", rd.pos, err)
	}
	rd.pos++
	return p, true, nil
}

// Payloads adapts NextPayload into a range-over-func iterator sharing
// the same decode path, so `for p, err := range rd.Payloads(ctx)` and
// direct NextPayload calls can't diverge in behavior. Iteration stops
// after yielding a non-nil error, whether from ctx or from decoding.
func (rd *Reader) Payloads(ctx context.Context) iter.Seq2[Payload, error] {
	return func(yield func(Payload, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(Payload{}, err)
				return
			}

			p, ok, err := rd.NextPayload()
			if err != nil {
				yield(Payload{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (rd *Reader) readOnePayload() (Payload, error) {
	ph, err := decodePayloadHeader(rd.r)
	if err != nil {
		return Payload{}, err
	}

	if ph.Kind == KindContent {
		offset, err := rd.r.Seek(0, io.SeekCurrent)
		if err != nil {
			return Payload{}, err
		}
		if _, err := rd.r.Seek(int64(ph.StoredSize), io.SeekCurrent); err != nil {
			return Payload{}, err
		}
		return Payload{
			Kind: KindContent,
			Content: &ContentRef{
				offset:      offset,
				storedSize:  ph.StoredSize,
				compression: ph.Compression,
				checksum:    ph.Checksum,
			},
		}, nil
	}

	stored := make([]byte, ph.StoredSize)
	if _, err := io.ReadFull(rd.r, stored); err != nil {
		return Payload{}, err
	}

	if payloadChecksum(stored) != ph.Checksum {
		return Payload{}, ErrChecksumMismatch
	}

	plain, err := decompress(stored, ph.Compression, ph.PlainSize)
	if err != nil {
		return Payload{}, err
	}

	body := bytes.NewReader(plain)
	p := Payload{Kind: ph.Kind}

	for i := uint32(0); i < ph.NumRecords; i++ {
		switch ph.Kind {
		case KindMeta:
			m, err := decodeMeta(body)
			if err != nil {
				return Payload{}, err
			}
			p.Meta = append(p.Meta, m)
		case KindLayout:
			l, err := decodeLayout(body)
			if err != nil {
				return Payload{}, err
			}
			p.Layout = append(p.Layout, l)
		case KindIndex:
			idx, err := decodeIndex(body)
			if err != nil {
				return Payload{}, err
			}
			p.Index = append(p.Index, idx)
		case KindAttributes:
			a, err := decodeAttribute(body)
			if err != nil {
				return Payload{}, err
			}
			p.Attrs = append(p.Attrs, a)
		default:
			return Payload{}, fmt.Errorf("stone: unexpected record payload kind %s", ph.Kind)
		}
	}

	return p, nil
}

// LoadContent decompresses and writes a Content payload's plain bytes
// to w, verifying its checksum against the stored bytes as they are
// read off the source stream.
func (rd *Reader) LoadContent(ref *ContentRef, w io.Writer) error {
	if _, err := rd.r.Seek(ref.offset, io.SeekStart); err != nil {
		return err
	}

	stored := make([]byte, ref.storedSize)
	if _, err := io.ReadFull(rd.r, stored); err != nil {
		return err
	}

	if payloadChecksum(stored) != ref.checksum {
		return ErrChecksumMismatch
	}

	switch ref.compression {
	case CompressionNone:
		_, err := w.Write(stored)
		return err
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(stored))
		if err != nil {
			return fmt.Errorf("stone: zstd content decoder: %w", err)
		}
		defer dec.Close()
		_, err = io.Copy(w, dec)
		return err
	default:
		return fmt.Errorf("stone: unknown content compression %d", ref.compression)
	}
}

func decompress(stored []byte, c Compression, plainSize uint64) ([]byte, error) {
	switch c {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("stone: zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(stored, make([]byte, 0, plainSize))
		if err != nil {
			return nil, fmt.Errorf("stone: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("stone: unknown payload compression %d", c)
	}
}
