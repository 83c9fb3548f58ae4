package util

import (
	"github.com/cespare/xxhash/v2"
)

// ComputeChecksum returns the low 32 bits of the xxhash digest of data.
// Block and row framing store this next to the payload length.
func ComputeChecksum(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
