package chunk

import "strings"

// SplitChars splits text into windows of size characters with overlap
// characters carried forward. Overlap is clamped to [0, size-1]. When a
// separator is configured and occurs in the tail fifth of a window, the
// window breaks there instead of mid-sentence. Chunks are trimmed and
// empties dropped.
func SplitChars(text string, size, overlap int, separator string) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}

	step := size - overlap
	if step <= 0 {
		step = 1
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + size
		if end > n {
			end = n
		}

		cut := end
		if separator != "" && end < n {
			window := string(runes[start:end])
			if idx := strings.LastIndex(window, separator); idx >= 0 {
				// Only honour separators past 80% of the window so chunks
				// stay close to the target size.
				if idx >= (size*4)/5 {
					cut = start + len([]rune(window[:idx]))
				}
			}
		}

		piece := strings.TrimSpace(string(runes[start:cut]))
		if piece != "" {
			chunks = append(chunks, piece)
		}

		if end >= n {
			break
		}
		prev := start
		if cut != end {
			// Resume after the separator, carrying overlap back.
			start = cut + len([]rune(separator)) - overlap
			if start < 0 {
				start = 0
			}
		} else {
			start += step
		}
		if start <= prev {
			start = prev + step
		}
	}
	return chunks
}
