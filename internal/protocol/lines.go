package protocol

import "strings"

// SplitLines turns program text into the ordered lines sent to the device.
// Trailing line terminators of the whole text are dropped, each line loses a
// trailing '\r', and indentation is preserved.
func SplitLines(source string) []string {
	trimmed := strings.TrimRight(source, "\r\n")
	if trimmed == "" {
		return nil
	}

	lines := strings.Split(trimmed, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}

	return lines
}

// Chunk splits p into pieces of at most size bytes, in order. The returned
// slices alias p.
func Chunk(p []byte, size int) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if size <= 0 || size >= len(p) {
		return [][]byte{p}
	}

	chunks := make([][]byte, 0, (len(p)+size-1)/size)
	for start := 0; start < len(p); start += size {
		end := min(start+size, len(p))
		chunks = append(chunks, p[start:end])
	}

	return chunks
}
