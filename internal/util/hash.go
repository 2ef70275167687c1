package util

import (
	"fmt"
	"hash/fnv"
)

// FNV64 returns the FNV-1a 64 bit hash of s as 16 hex chars.
// Used to fingerprint secrets in logs and metrics labels.
func FNV64(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// ShardIndex maps key onto [0, n) with FNV-1a 32.
func ShardIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
