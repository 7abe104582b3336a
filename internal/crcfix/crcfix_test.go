package crcfix

import (
	"bytes"
	"hash/crc32"
	"testing"
)

func TestMatchingBytes_ForcesTargetCRC(t *testing.T) {
	tests := []struct {
		name   string
		match  []byte
		change []byte
	}{
		{"text buffers", []byte("The quick brown fox"), []byte("jumps over the lazy dog")},
		{"empty change", []byte("reference content"), nil},
		{"empty match", nil, []byte("content to be forced")},
		{"binary bytes", []byte{0x00, 0xff, 0x10, 0x80}, []byte{0xde, 0xad, 0xbe, 0xef}},
		{"identical buffers", []byte("same bytes"), []byte("same bytes")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := crc32.ChecksumIEEE(tt.match)
			current := crc32.ChecksumIEEE(tt.change)

			suffix := MatchingBytes(target, current)

			forced := append(append([]byte{}, tt.change...), suffix[:]...)
			if got := crc32.ChecksumIEEE(forced); got != target {
				t.Errorf("forced CRC32 = %#08x, want %#08x", got, target)
			}
		})
	}
}

// The production use: a signature record four bytes short of its placeholder
// size must collide with the CRC of an all-zero placeholder.
func TestMatchingBytes_ZeroPlaceholder(t *testing.T) {
	const size = 8192

	placeholder := make([]byte, size)
	target := crc32.ChecksumIEEE(placeholder)

	record := bytes.Repeat([]byte{'*'}, size-4)
	suffix := MatchingBytes(target, crc32.ChecksumIEEE(record))

	full := append(record, suffix[:]...)
	if len(full) != size {
		t.Fatalf("record length = %d, want %d", len(full), size)
	}
	if got := crc32.ChecksumIEEE(full); got != target {
		t.Errorf("record CRC32 = %#08x, want placeholder CRC32 %#08x", got, target)
	}
}

func TestFix_Deterministic(t *testing.T) {
	a := Fix(0xdeadbeef, 0x12345678)
	b := Fix(0xdeadbeef, 0x12345678)
	if a != b {
		t.Errorf("Fix not deterministic: %#x vs %#x", a, b)
	}
	if c := Fix(0xdeadbeef, 0x12345679); c == a {
		t.Errorf("Fix ignored changed input CRC")
	}
}
