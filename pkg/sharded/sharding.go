// Package sharded provides a lock-striped map for structures that many workers
// write concurrently, such as the per-run hash tracker.
package sharded

import "hash/fnv"

// DefaultShards is a reasonable shard count for pools of up to a few dozen workers.
const DefaultShards = 64

func isPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// shardIndex uses FNV-1a; numShards must be a power of two.
func shardIndex(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}
