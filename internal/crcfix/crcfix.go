// Package crcfix builds CRC32 collisions. Appending the four bytes it
// computes to a buffer forces the buffer's IEEE CRC32 to any chosen value,
// which lets a signature be patched over a placeholder inside a zip member
// without touching the CRC recorded in the member's header.
package crcfix

import "encoding/binary"

const (
	crcPoly = 0xedb88320 // reflected IEEE polynomial
	crcInv  = 0x5b358fd3 // its multiplicative inverse, for stepping the register backwards
)

// Fix returns the 32-bit word that, appended little-endian to data whose
// CRC32 is toChange, makes the combined CRC32 equal toMatch.
func Fix(toMatch, toChange uint32) uint32 {
	var fix uint32

	rev := toMatch ^ 0xffffffff
	for i := 0; i < 32; i++ {
		if fix&1 != 0 {
			fix = fix>>1 ^ crcPoly
		} else {
			fix >>= 1
		}
		if rev&1 != 0 {
			fix ^= crcInv
		}
		rev >>= 1
	}

	return fix ^ (toChange ^ 0xffffffff)
}

// MatchingBytes returns the four forcing bytes in the order they must be
// appended.
func MatchingBytes(toMatch, toChange uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], Fix(toMatch, toChange))
	return b
}
