package engine

// Chunk is one contiguous byte range of a source file, handled by one chunk
// worker.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
}

// planChunks splits size bytes into chunkSize ranges. The ranges are
// disjoint, contiguous, and cover exactly [0, size).
func planChunks(size, chunkSize int64) []Chunk {
	var chunks []Chunk
	offset := int64(0)
	idx := 0
	for offset < size {
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		chunks = append(chunks, Chunk{Index: idx, Offset: offset, Length: length})
		offset += length
		idx++
	}
	return chunks
}
