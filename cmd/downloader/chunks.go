package downloader

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 16 << 20

// Chunk is a half-open byte range of the compressed payload, relative to its
// first byte.
type Chunk struct {
	Index uint32
	Start uint64
	End   uint64
}

// Len returns the chunk length in bytes
func (c Chunk) Len() uint64 {
	return c.End - c.Start
}

// PlanChunks splits [0, size) into contiguous chunks of chunkSize bytes; the
// last chunk takes the remainder. A zero size yields no chunks.
func PlanChunks(size, chunkSize uint64) []Chunk {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if size == 0 {
		return nil
	}
	n := (size + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, n)
	for i := uint64(0); i < n; i++ {
		start := i * chunkSize
		chunks = append(chunks, Chunk{
			Index: uint32(i),
			Start: start,
			End:   min(start+chunkSize, size),
		})
	}
	return chunks
}
