// Package canon turns raw collector records into comparable canonical records.
package canon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	strip "github.com/grokify/html-strip-tags-go"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrMalformedRecord marks records whose name or price cannot be parsed.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedRecordError says which field of a raw record was rejected.
type MalformedRecordError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// RawRecord is what a collector hands over, before any normalization.
type RawRecord struct {
	Name     string
	Price    string
	Stock    string
	Source   string
	Category string
	Page     int
	Rank     int
}

// Record is the canonical form of a RawRecord.
type Record struct {
	Name     string
	Price    int64 // minor units
	InStock  bool
	Source   string
	Category string
	Page     int
	Rank     int
}

// Canonicalizer normalizes raw records. The zero value uses DefaultPhrases.
type Canonicalizer struct {
	Phrases PhraseTable
}

// New returns a Canonicalizer using the given stock phrase table.
func New(phrases PhraseTable) *Canonicalizer {
	return &Canonicalizer{Phrases: phrases}
}

// Canonicalize normalizes one raw record.
func (c *Canonicalizer) Canonicalize(raw RawRecord) (Record, error) {
	name := Name(raw.Name)
	if name == "" {
		return Record{}, &MalformedRecordError{Field: "name", Value: raw.Name, Reason: "empty after normalization"}
	}
	price, err := ParsePrice(raw.Price)
	if err != nil {
		return Record{}, err
	}
	phrases := c.Phrases
	if phrases == nil {
		phrases = DefaultPhrases()
	}
	return Record{
		Name:     name,
		Price:    price,
		InStock:  phrases.InStock(raw.Stock),
		Source:   raw.Source,
		Category: strings.TrimSpace(strings.ToLower(raw.Category)),
		Page:     raw.Page,
		Rank:     raw.Rank,
	}, nil
}

// Name canonicalizes a product name: markup stripped, diacritics removed,
// case folded, apostrophes dropped, other punctuation turned into spaces and
// whitespace collapsed.
func Name(s string) string {
	s = strip.StripTags(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = cases.Fold().String(folded)

	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if isApostrophe(r) {
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// "Trainer's" and "Trainers" must land on the same token.
func isApostrophe(r rune) bool {
	switch r {
	case '\'', '`', '\u00b4', '\u2018', '\u2019', '\u02bc':
		return true
	}
	return false
}

// Tokens returns the unique whitespace tokens of a name after canonicalization.
func Tokens(name string) []string {
	fields := strings.Fields(Name(name))
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// ParsePrice parses a human price string into minor units. Both "1.234,56"
// and "1,234.56" styles are accepted; currency symbols are ignored.
func ParsePrice(s string) (int64, error) {
	orig := s
	var b strings.Builder
	digits := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits = true
		case r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' && !digits:
			return 0, &MalformedRecordError{Field: "price", Value: orig, Reason: "negative price"}
		}
	}
	s = strings.Trim(b.String(), ".,")
	if s == "" {
		return 0, &MalformedRecordError{Field: "price", Value: orig, Reason: "no digits"}
	}

	intPart, fracPart := s, ""
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		tail := s[i+1:]
		// A trailing group of one or two digits is the decimal part; three
		// digits after the last separator is a thousands group.
		if len(tail) == 1 || len(tail) == 2 {
			intPart, fracPart = s[:i], tail
		}
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, &MalformedRecordError{Field: "price", Value: orig, Reason: err.Error()}
	}
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, &MalformedRecordError{Field: "price", Value: orig, Reason: err.Error()}
	}
	if whole > (1<<62)/100 {
		return 0, &MalformedRecordError{Field: "price", Value: orig, Reason: "out of range"}
	}
	return whole*100 + frac, nil
}
