package segment

import (
	"strings"
	"unicode"
)

// token is one whitespace-delimited word of the original text, with its byte
// range and its normalized form used for matching.
type token struct {
	start int
	end   int
	norm  string
}

// tokenize splits s into word tokens. Words are whitespace-delimited runs;
// the normalized form lowercases and drops everything that is not a letter or
// digit. Fields that normalize to nothing (pure punctuation) are skipped.
func tokenize(s string) []token {
	var tokens []token
	start := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			if start >= 0 {
				if t, ok := makeToken(s, start, i); ok {
					tokens = append(tokens, t)
				}
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		if t, ok := makeToken(s, start, len(s)); ok {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func makeToken(s string, start, end int) (token, bool) {
	var b strings.Builder
	for _, r := range s[start:end] {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	if b.Len() == 0 {
		return token{}, false
	}
	return token{start: start, end: end, norm: b.String()}, true
}

// StripOverlap removes from the start of next the longest word sequence (at
// most maxWords tokens) whose words all appear, in order but allowing gaps,
// anywhere in prev. Matching is case-insensitive and ignores punctuation;
// the surviving text keeps its original form. The strip is repeated until no
// leading sequence matches, so applying StripOverlap to its own output is a
// no-op. Returns next unchanged when no overlap is found.
func StripOverlap(prev, next string, maxWords int) string {
	prevTokens := tokenize(prev)
	if len(prevTokens) == 0 {
		return next
	}
	cur := next
	for {
		stripped, ok := stripOnce(prevTokens, cur, maxWords)
		if !ok {
			return cur
		}
		cur = stripped
	}
}

// stripOnce removes the single longest matching leading word sequence from
// next. The bool result reports whether anything was stripped.
func stripOnce(prevTokens []token, next string, maxWords int) (string, bool) {
	nextTokens := tokenize(next)
	if len(nextTokens) == 0 {
		return next, false
	}

	limit := maxWords
	if limit > len(nextTokens) {
		limit = len(nextTokens)
	}
	// Prefer the longest valid prefix match.
	for k := limit; k >= 1; k-- {
		if subsequenceOf(nextTokens[:k], prevTokens) {
			rest := next[nextTokens[k-1].end:]
			return strings.TrimLeft(rest, " \t\r\n"), true
		}
	}
	return next, false
}

// subsequenceOf reports whether the normalized words of prefix appear in
// tokens in order, allowing gaps.
func subsequenceOf(prefix, tokens []token) bool {
	i := 0
	for _, t := range tokens {
		if i == len(prefix) {
			break
		}
		if t.norm == prefix[i].norm {
			i++
		}
	}
	return i == len(prefix)
}
