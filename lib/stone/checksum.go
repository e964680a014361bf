// SPDX-FileCopyrightText: Copyright © 2020-2026 Serpent OS Developers
//
// SPDX-License-Identifier: MPL-2.0

package stone

import (
	"github.com/zeebo/blake3"
)

// checksumDomain and digestDomain separate the two hashing roles
// (payload framing checksum vs. content-index digest) the way
// lib/artifact/hash.go separates its chunk/file/container domains: two
// callers hashing the same bytes for different purposes must never
// collide on the same digest.
var (
	checksumDomain = [32]byte{'s', 't', 'o', 'n', 'e', '-', 'p', 'a', 'y', 'l', 'o', 'a', 'd'}
	digestDomain   = [32]byte{'s', 't', 'o', 'n', 'e', '-', 'c', 'o', 'n', 't', 'e', 'n', 't'}
)

// payloadChecksum returns the 8-byte framing checksum for a payload's
// stored (post-compression) bytes. The reference format specifies a
// 64-bit non-cryptographic checksum here (xxh3-64 upstream); no xxh3
// implementation exists in this module's dependency set, so this is
// computed with keyed BLAKE3, truncated to 8 bytes, using a domain key
// so it can never be confused with a content digest of the same bytes.
func payloadChecksum(stored []byte) [8]byte {
	h, err := blake3.NewKeyed(checksumDomain[:])
	if err != nil {
		panic("stone: blake3 keyed init: " + err.Error())
	}
	h.Write(stored)
	var sum [8]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// contentDigest returns the 16-byte digest recorded in an Index
// record for a slice of the plain (decompressed) Content payload.
// Substitutes truncated keyed BLAKE3 for xxh3-128 for the same reason
// as payloadChecksum.
func contentDigest(plain []byte) [16]byte {
	h, err := blake3.NewKeyed(digestDomain[:])
	if err != nil {
		panic("stone: blake3 keyed init: " + err.Error())
	}
	h.Write(plain)
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
