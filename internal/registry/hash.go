package registry

import (
	"crypto/sha256"
	"encoding/binary"
)

// MakeArgs builds an ArgsBlob from an argument tuple's serialized parts.
//
// The hash computation is designed to be:
//   - Deterministic: identical parts always produce identical hashes
//   - Unambiguous: each part is length-prefixed, so ("ab","c") and
//     ("a","bc") hash differently
//   - Stable across architectures/compilers
//
// Canonical is the same length-prefixed concatenation, used as the exact
// equality tiebreaker when two identities share a hash.
func MakeArgs(parts ...[]byte) ArgsBlob {
	h := sha256.New()
	var canonical []byte
	var prefix [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(part)))
		h.Write(prefix[:])
		h.Write(part)
		canonical = append(canonical, prefix[:]...)
		canonical = append(canonical, part...)
	}
	sum := h.Sum(nil)
	return ArgsBlob{
		Hash:      binary.BigEndian.Uint64(sum[:8]),
		Canonical: canonical,
	}
}

// MakeStringArgs is MakeArgs over string parts.
func MakeStringArgs(parts ...string) ArgsBlob {
	bs := make([][]byte, len(parts))
	for i, p := range parts {
		bs[i] = []byte(p)
	}
	return MakeArgs(bs...)
}
