package mirror

import "fmt"

// DefaultChunkSize is the remote host's per-file byte ceiling.
const DefaultChunkSize = int64(100) << 20 // 100 MiB

// NumChunks returns how many chunks a blob of the given size splits
// into under the ceiling.
func NumChunks(size, ceiling int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ceiling - 1) / ceiling)
}

// ChunkName returns the fixed-width numbered name of chunk i of base,
// e.g. "dump.xml.00".  Concatenating chunks in ascending name order
// reproduces the original bytes.
func ChunkName(base string, i int) string {
	return fmt.Sprintf("%s.%02d", base, i)
}

// ChunkSizes returns the deterministic split: every chunk is exactly
// ceiling bytes except the last, which carries the remainder.
func ChunkSizes(size, ceiling int64) []int64 {
	n := NumChunks(size, ceiling)
	if n == 0 {
		return nil
	}
	sizes := make([]int64, n)
	for i := 0; i < n-1; i++ {
		sizes[i] = ceiling
	}
	sizes[n-1] = size - int64(n-1)*ceiling
	return sizes
}
