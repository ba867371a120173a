// Package hash implements the 20-byte identifiers of downloads.
package hash

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
)

// Hash is the type of 20-byte hashes
type Hash []byte

func (hash Hash) String() string {
	if hash == nil {
		return "<nil>"
	}
	return hex.EncodeToString(hash)
}

func (hash Hash) Equal(h Hash) bool {
	if len(hash) != 20 || len(h) != 20 {
		panic("Hash has bad length")
	}
	for i := 0; i < 20; i++ {
		if hash[i] != h[i] {
			return false
		}
	}
	return true
}

// Parse handles both hex and base-32 strings.
func Parse(s string) Hash {
	h, err := hex.DecodeString(s)
	if err == nil && len(h) == 20 {
		return h
	}
	h, err = base32.StdEncoding.DecodeString(s)
	if err == nil && len(h) == 20 {
		return h
	}
	return nil
}

// Derive computes the identifier of a download from its name, piece size
// and file layout.  Two downloads with the same layout get the same hash.
func Derive(name string, pieceSize int64, names []string, lengths []int64) Hash {
	h := sha1.New()
	var buf [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	write(name)
	binary.BigEndian.PutUint64(buf[:], uint64(pieceSize))
	h.Write(buf[:])
	for i, n := range names {
		write(n)
		var l int64
		if i < len(lengths) {
			l = lengths[i]
		}
		binary.BigEndian.PutUint64(buf[:], uint64(l))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}
