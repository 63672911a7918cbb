package chunking

import "strings"

const (
	DefaultWindow = 1000
	DefaultStride = 800
)

// Splitter cuts text into fixed-size rune windows advancing by Stride, so
// consecutive chunks overlap by Window-Stride runes.
type Splitter struct {
	Window int
	Stride int
}

func NewSplitter(window, stride int) *Splitter {
	if window <= 0 {
		window = DefaultWindow
	}
	if stride <= 0 || stride > window {
		stride = window
	}
	return &Splitter{
		Window: window,
		Stride: stride,
	}
}

// Split is deterministic: the same text always yields the same boundaries.
// Windows are trimmed and whitespace-only windows are dropped.
func (s *Splitter) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, len(runes)/s.Stride+1)
	for start := 0; start < len(runes); start += s.Stride {
		end := start + s.Window
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
