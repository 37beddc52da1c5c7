package shardmanager

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// ShardID maps a workflow ID onto [0, shardCount). The mapping must be stable
// across platforms and processes: SHA-256 of the workflow ID, first 8 bytes
// little-endian as a signed 64-bit value, absolute value with MinInt64
// clamped to MaxInt64, modulo the shard count.
func ShardID(workflowID string, shardCount int) int {
	sum := sha256.Sum256([]byte(workflowID))
	v := int64(binary.LittleEndian.Uint64(sum[:8]))
	switch {
	case v == math.MinInt64:
		v = math.MaxInt64
	case v < 0:
		v = -v
	}
	return int(v % int64(shardCount))
}
