package services

import (
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// DefaultCensorRune replaces every rune of a censored word.
const DefaultCensorRune = '*'

// Moderator masks configured words in chat text. Matching runs on a
// canonical form of the text (lowercase, look-alike characters folded,
// separators dropped) so "k.1.l.l" still hits "kill", and a hit only counts
// when it is not glued to surrounding letters, so "skill" stays intact.
type Moderator struct {
	matcher *goahocorasick.Machine
	mask    rune
}

// canonicalText is text in matching form plus, for each canonical rune, the
// index of the rune it came from in the original.
type canonicalText struct {
	runes  []rune
	origin []int
}

// NewModerator builds the matcher for words. An empty list yields a
// moderator that returns text unchanged.
func NewModerator(words []string, mask rune) (*Moderator, error) {
	var patterns [][]rune
	seen := make(map[string]bool)
	for _, w := range words {
		p := canonicalize(strings.TrimSpace(w)).runes
		if len(p) == 0 || seen[string(p)] {
			continue
		}
		seen[string(p)] = true
		patterns = append(patterns, p)
	}

	m := &Moderator{mask: mask}
	if len(patterns) == 0 {
		return m, nil
	}

	m.matcher = new(goahocorasick.Machine)
	if err := m.matcher.Build(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

// Censor returns text with every matched word masked rune by rune. Runes
// between the letters of a match (dots, spaces) are masked too.
func (m *Moderator) Censor(text string) string {
	if m == nil || m.matcher == nil || text == "" {
		return text
	}

	canon := canonicalize(text)
	if len(canon.runes) == 0 {
		return text
	}
	hits := m.matcher.MultiPatternSearch(canon.runes, false)
	if len(hits) == 0 {
		return text
	}

	orig := []rune(text)
	changed := false
	for _, hit := range hits {
		start := hit.Pos
		end := start + len(hit.Word)
		if start < 0 || end > len(canon.origin) {
			continue
		}
		from := canon.origin[start]
		to := canon.origin[end-1] + 1
		if !isBoundary(orig, from-1) || !isBoundary(orig, to) {
			continue
		}
		for i := from; i < to; i++ {
			orig[i] = m.mask
		}
		changed = true
	}
	if !changed {
		return text
	}
	return string(orig)
}

// isBoundary reports whether position i of runes is outside the text or not a letter.
func isBoundary(runes []rune, i int) bool {
	if i < 0 || i >= len(runes) {
		return true
	}
	return !unicode.IsLetter(runes[i])
}

func canonicalize(s string) canonicalText {
	orig := []rune(s)
	out := canonicalText{
		runes:  make([]rune, 0, len(orig)),
		origin: make([]int, 0, len(orig)),
	}
	for i, r := range orig {
		r = foldLookalike(unicode.ToLower(r))
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		out.runes = append(out.runes, r)
		out.origin = append(out.origin, i)
	}
	return out
}

// foldLookalike maps digits, symbols and Cyrillic homoglyphs commonly used
// to dodge filters back to the Latin letter they imitate.
func foldLookalike(r rune) rune {
	switch r {
	case '@', '4', 'а':
		return 'a'
	case '3', 'е':
		return 'e'
	case '!', '1', 'і':
		return 'i'
	case '0', 'о':
		return 'o'
	case '$', '5':
		return 's'
	case '7', '+':
		return 't'
	case 'р':
		return 'p'
	default:
		return r
	}
}
