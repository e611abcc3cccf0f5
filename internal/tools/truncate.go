package tools

import (
	"fmt"
	"slices"
	"strings"
)

// Tool output sent back to the model is clipped to these limits.
const (
	defaultMaxLines = 2000
	defaultMaxBytes = 50 * 1024
)

type clipReason string

const (
	clipByLines clipReason = "lines"
	clipByBytes clipReason = "bytes"
)

// outputLimits bounds a tool result. Zero fields use the defaults.
type outputLimits struct {
	Lines int
	Bytes int
}

func (l outputLimits) withDefaults() outputLimits {
	if l.Lines <= 0 {
		l.Lines = defaultMaxLines
	}
	if l.Bytes <= 0 {
		l.Bytes = defaultMaxBytes
	}
	return l
}

// clippedOutput is the part of a tool's output that fits the limits.
type clippedOutput struct {
	Text      string     `json:"-"`
	By        clipReason `json:"by,omitempty"`
	Lines     int        `json:"total_lines"`
	Bytes     int        `json:"total_bytes"`
	KeptLines int        `json:"kept_lines"`
	KeptBytes int        `json:"kept_bytes"`
	// Partial marks a single trailing line cut down to the byte limit.
	Partial bool `json:"partial,omitempty"`
}

func (c clippedOutput) Truncated() bool { return c.By != "" }

// FirstLine is the 1-based number of the first kept line.
func (c clippedOutput) FirstLine(fromEnd bool) int {
	if fromEnd {
		return c.Lines - c.KeptLines + 1
	}
	return 1
}

// clipHead keeps leading lines, for file reads. A first line longer than
// the byte limit leaves nothing.
func clipHead(text string, limits outputLimits) clippedOutput {
	return clip(text, limits, false)
}

// clipTail keeps trailing lines, for command output where the end carries
// the diagnostics. An oversized last line is cut to its final bytes.
func clipTail(text string, limits outputLimits) clippedOutput {
	return clip(text, limits, true)
}

func clip(text string, limits outputLimits, fromEnd bool) clippedOutput {
	limits = limits.withDefaults()
	lines := strings.Split(text, "\n")
	out := clippedOutput{
		Text:      text,
		Lines:     len(lines),
		Bytes:     len(text),
		KeptLines: len(lines),
		KeptBytes: len(text),
	}
	if out.Lines <= limits.Lines && out.Bytes <= limits.Bytes {
		return out
	}

	out.By = clipByLines
	kept := make([]string, 0, min(len(lines), limits.Lines))
	size := 0
	for i := range lines {
		if len(kept) == limits.Lines {
			break
		}
		line := lines[i]
		if fromEnd {
			line = lines[len(lines)-1-i]
		}
		need := len(line)
		if len(kept) > 0 {
			need++
		}
		if size+need > limits.Bytes {
			out.By = clipByBytes
			if fromEnd && len(kept) == 0 {
				kept = append(kept, lastBytes(line, limits.Bytes))
				out.Partial = true
			}
			break
		}
		kept = append(kept, line)
		size += need
	}
	if fromEnd {
		slices.Reverse(kept)
	}

	out.Text = strings.Join(kept, "\n")
	out.KeptLines = len(kept)
	out.KeptBytes = len(out.Text)
	return out
}

// lastBytes returns at most n trailing bytes of s without splitting a rune.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && s[start]&0xC0 == 0x80 {
		start++
	}
	return s[start:]
}

func formatSize(bytes int) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024.0)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024.0*1024.0))
	}
}
