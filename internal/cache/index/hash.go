package index

import "encoding/binary"

// lookup3 mixing schedule (Bob Jenkins), consuming 12 bytes per round.
// The 11-bit pointer tag is carved out of this hash, so the schedule must
// stay exactly as is.

const hashInitValue = 31

func rot(x uint32, k uint) uint32 {
	return x<<k | x>>(32-k)
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) uint32 {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return c
}

// hashKey hashes the key with lookup3.
func hashKey(key string) uint32 {
	length := len(key)
	a := 0xdeadbeef + uint32(length) + hashInitValue
	b, c := a, a
	if length == 0 {
		return c
	}

	k := []byte(key)
	for length > 12 {
		a += binary.LittleEndian.Uint32(k[0:4])
		b += binary.LittleEndian.Uint32(k[4:8])
		c += binary.LittleEndian.Uint32(k[8:12])
		a, b, c = mix(a, b, c)
		k = k[12:]
		length -= 12
	}

	// Tail switch: fold the remaining 1..12 bytes in without reading past
	// the end.
	var w [12]byte
	copy(w[:], k[:length])
	switch {
	case length > 8:
		c += binary.LittleEndian.Uint32(w[8:12])
		fallthrough
	case length > 4:
		b += binary.LittleEndian.Uint32(w[4:8])
		fallthrough
	default:
		a += binary.LittleEndian.Uint32(w[0:4])
	}

	return final(a, b, c)
}

// tagOf extracts the 11-bit tag, bits 16..26 of the hash.
func tagOf(hash uint32) uint16 {
	return uint16((hash & 0x07ff0000) >> 16)
}
