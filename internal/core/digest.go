package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
)

// Digest is a deterministic hex SHA-256 content identity.
type Digest string

// String returns the string representation of the Digest.
func (d Digest) String() string { return string(d) }

// Hasher builds a Digest from length-prefixed fields.
//
// Every field is written with an 8-byte big-endian length prefix so that
// concatenations of different fields can never collide.
type Hasher struct {
	h hash.Hash
}

// NewHasher creates an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (d *Hasher) field(data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	d.h.Write(prefix[:])
	d.h.Write(data)
}

// Str writes a string field.
func (d *Hasher) Str(s string) *Hasher {
	d.field([]byte(s))
	return d
}

// Int writes an integer field.
func (d *Hasher) Int(n int) *Hasher {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(int64(n)))
	d.field(b[:])
	return d
}

// Float64 writes the exact bit pattern of v.
func (d *Hasher) Float64(v float64) *Hasher {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	d.field(b[:])
	return d
}

// Float64s writes a slice as one field; the element count is part of the field length.
func (d *Hasher) Float64s(v []float64) *Hasher {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		binary.BigEndian.PutUint64(b[8*i:], math.Float64bits(x))
	}
	d.field(b)
	return d
}

// Sum returns the accumulated Digest.
func (d *Hasher) Sum() Digest {
	return Digest(hex.EncodeToString(d.h.Sum(nil)))
}
