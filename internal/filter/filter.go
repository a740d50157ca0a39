// Package filter classifies chat text as allowed or blocked. It is
// pure and synchronous — no I/O happens inside Classify itself
// (spec.md §4.B).
package filter

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// leetTable is the fixed substitution table spec.md §4.B pins.
var leetTable = map[rune]rune{
	'3': 'e',
	'1': 'i',
	'0': 'o',
	'4': 'a',
	'5': 's',
	'7': 't',
}

// Filter classifies text against a blocked-term set. The zero value is
// not usable; construct with New or NewDegraded.
type Filter struct {
	mu      sync.RWMutex
	terms   map[string]struct{}
	strict  bool
	enabled bool
	// degraded is set when the blocked-term set failed to load; while
	// true, Classify blocks everything regardless of enabled/strict
	// (spec.md §4.B fail-safe policy — unfiltered egress is never
	// permitted).
	degraded bool
}

// New builds a Filter from an already-loaded term list.
func New(terms []string, strict, enabled bool) *Filter {
	f := &Filter{terms: make(map[string]struct{}, len(terms)), strict: strict, enabled: enabled}
	for _, t := range terms {
		f.terms[normalize(t)] = struct{}{}
	}
	return f
}

// NewDegraded returns a Filter that blocks every input, for use when
// loading the blocked-term set failed at startup.
func NewDegraded() *Filter {
	return &Filter{degraded: true}
}

// LoadTerms reads one blocked term per line from r, skipping blank
// lines and lines starting with "#".
func LoadTerms(r io.Reader) ([]string, error) {
	var terms []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return terms, nil
}

// Reload atomically replaces the term set and clears the degraded flag
// on success. Call sites that fail to read the source should instead
// swap the whole Filter for NewDegraded(), per spec.md's fail-safe rule.
func (f *Filter) Reload(terms []string) {
	m := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		m[normalize(t)] = struct{}{}
	}
	f.mu.Lock()
	f.terms = m
	f.degraded = false
	f.mu.Unlock()
}

// Classification is Filter.Classify's two-valued result.
type Classification int

const (
	Allowed Classification = iota
	Blocked
)

// Classify normalizes text and checks it against the blocked-term set.
func (f *Filter) Classify(text string) Classification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.degraded {
		return Blocked
	}
	if !f.enabled {
		return Allowed
	}

	norm := normalize(text)
	for _, tok := range strings.Fields(norm) {
		if _, ok := f.terms[tok]; ok {
			return Blocked
		}
	}
	if f.strict {
		for term := range f.terms {
			if term != "" && strings.Contains(norm, term) {
				return Blocked
			}
		}
	}
	return Allowed
}

// normalize applies (a) case-folding, (b) leetspeak substitution,
// (c) stripping of non-alphanumeric characters, (d) whitespace
// collapsing, in that order (spec.md §4.B).
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range strings.ToLower(s) {
		if sub, ok := leetTable[r]; ok {
			r = sub
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastWasSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
		default:
			// stripped: neither alphanumeric nor whitespace
		}
	}
	return strings.TrimSpace(b.String())
}
