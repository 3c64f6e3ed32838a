package pulse

import "strings"

// SummaryCap bounds the run output summary length.
const SummaryCap = 1000

// Summary accumulates text deltas into the run output, truncated at
// SummaryCap characters.
type Summary struct {
	b    strings.Builder
	full bool
}

// NewSummary returns an empty summary.
func NewSummary() *Summary {
	return &Summary{}
}

// Add appends a text delta, dropping anything past the cap.
func (s *Summary) Add(text string) {
	if s.full {
		return
	}
	remaining := SummaryCap - s.b.Len()
	if len(text) >= remaining {
		s.b.WriteString(text[:remaining])
		s.full = true
		return
	}
	s.b.WriteString(text)
}

// String returns the accumulated summary.
func (s *Summary) String() string { return s.b.String() }
