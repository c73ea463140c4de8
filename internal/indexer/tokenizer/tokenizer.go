// Package tokenizer provides text tokenisation for the indexer. It applies
// NFKC normalisation and lower-casing, segments words on UAX #29 boundaries,
// honours custom separators and a dictionary of multi-word terms, and marks
// configured stop-words so that they keep their position without being
// indexed.
package tokenizer

import (
	"sort"
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"
)

// Kind classifies a token.
type Kind uint8

const (
	KindWord Kind = iota
	KindStopWord
)

// Positions advance by this much across a hard separator such as a full stop.
const hardSeparatorDistance = 8

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
	Kind     Kind
}

// IsWord reports whether the token is indexable.
func (t Token) IsWord() bool {
	return t.Kind == KindWord
}

// Options configures a Tokenizer.
type Options struct {
	StopWords  []string
	Separators []string
	Dictionary []string
}

// Tokenizer splits text into positioned tokens. It is immutable and safe for
// concurrent use.
type Tokenizer struct {
	stopWords  map[string]struct{}
	separators []string
	dictionary []string
}

// New builds a Tokenizer from options.
func New(opts Options) *Tokenizer {
	t := &Tokenizer{stopWords: make(map[string]struct{}, len(opts.StopWords))}
	for _, w := range opts.StopWords {
		t.stopWords[normalize(w)] = struct{}{}
	}
	for _, s := range opts.Separators {
		if s != "" {
			t.separators = append(t.separators, normalize(s))
		}
	}
	for _, d := range opts.Dictionary {
		if d = normalize(d); d != "" {
			t.dictionary = append(t.dictionary, d)
		}
	}
	sort.Slice(t.dictionary, func(i, j int) bool {
		return len(t.dictionary[i]) > len(t.dictionary[j])
	})
	return t
}

// Tokenize breaks text into tokens. Positions start at 0 and increase by
// one per word, or by hardSeparatorDistance across a hard separator.
func (t *Tokenizer) Tokenize(text string) []Token {
	text = normalize(text)
	for _, sep := range t.separators {
		text = strings.ReplaceAll(text, sep, " ")
	}
	tokens := make([]Token, 0, len(text)/6)
	pos := 0
	started := false
	gap := 0
	emit := func(term string) {
		if started {
			if gap == 0 {
				gap = 1
			}
			pos += gap
		}
		started = true
		gap = 0
		kind := KindWord
		if _, stop := t.stopWords[term]; stop {
			kind = KindStopWord
		}
		tokens = append(tokens, Token{Term: term, Position: pos, Kind: kind})
	}
	separator := func(seg string) {
		if isHardSeparator(seg) {
			gap = hardSeparatorDistance
		}
	}

	for len(text) > 0 {
		start, term := t.nextDictionaryTerm(text)
		segment := text
		if start >= 0 {
			segment = text[:start]
		}
		seg := words.FromString(segment)
		for seg.Next() {
			v := seg.Value()
			if isWord(v) {
				emit(v)
			} else {
				separator(v)
			}
		}
		if start < 0 {
			break
		}
		emit(term)
		text = text[start+len(term):]
	}
	return tokens
}

// nextDictionaryTerm finds the earliest dictionary term that starts and ends
// on a word boundary, preferring the longest one at a position.
func (t *Tokenizer) nextDictionaryTerm(text string) (int, string) {
	best, bestTerm := -1, ""
	for _, d := range t.dictionary {
		from := 0
		for {
			i := strings.Index(text[from:], d)
			if i < 0 {
				break
			}
			i += from
			if boundaryBefore(text, i) && boundaryAfter(text, i+len(d)) {
				if best < 0 || i < best || (i == best && len(d) > len(bestTerm)) {
					best, bestTerm = i, d
				}
				break
			}
			from = i + 1
		}
	}
	return best, bestTerm
}

// Words returns only the indexable terms of text.
func (t *Tokenizer) Words(text string) []string {
	var out []string
	for _, tok := range t.Tokenize(text) {
		if tok.IsWord() {
			out = append(out, tok.Term)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

func isWord(seg string) bool {
	for _, r := range seg {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func isHardSeparator(seg string) bool {
	return strings.ContainsAny(seg, ".!?;\n¿¡。")
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r := lastRune(text[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	for _, r := range text[i:] {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}
	return true
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}
