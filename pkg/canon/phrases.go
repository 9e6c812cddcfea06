package canon

import (
	"sort"
	"strings"
)

// PhraseTable maps stock phrases to availability. Keys are compared after
// Name() canonicalization, so "In Stock!" and "in stock" are the same phrase.
type PhraseTable map[string]bool

// DefaultPhrases returns the built-in English phrase table.
func DefaultPhrases() PhraseTable {
	return PhraseTable{
		"in stock":                 true,
		"in stock online":          true,
		"available":                true,
		"available online":         true,
		"add to cart":              true,
		"only a few left":          true,
		"low stock":                true,
		"ships today":              true,
		"out of stock":             false,
		"temporarily out of stock": false,
		"not in stock":             false,
		"no longer available":      false,
		"sold out":                 false,
		"unavailable":              false,
		"currently unavailable":    false,
		"not available":            false,
		"preorder":                 false,
		"pre order":                false,
		"coming soon":              false,
		"backorder":                false,
	}
}

// Merge returns a copy of t overlaid with extra. Keys in extra win.
func (t PhraseTable) Merge(extra map[string]bool) PhraseTable {
	out := make(PhraseTable, len(t)+len(extra))
	for k, v := range t {
		out[Name(k)] = v
	}
	for k, v := range extra {
		out[Name(k)] = v
	}
	return out
}

// InStock resolves a stock text. An exact phrase wins; otherwise the longest
// known phrase contained in the text decides. A positive phrase directly
// preceded by "not" or "no" reads as out of stock. Unknown text means not in
// stock.
func (t PhraseTable) InStock(text string) bool {
	s := Name(text)
	if s == "" {
		return false
	}
	if v, ok := t[s]; ok {
		return v
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	// longest first, then lexical, so "out of stock" beats "in stock"
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	padded := " " + s + " "
	for _, k := range keys {
		nk := Name(k)
		if nk == "" {
			continue
		}
		i := strings.Index(padded, " "+nk+" ")
		if i < 0 {
			continue
		}
		if t[k] && negated(padded[:i]) {
			return false
		}
		return t[k]
	}
	return false
}

func negated(before string) bool {
	fields := strings.Fields(before)
	if len(fields) == 0 {
		return false
	}
	switch fields[len(fields)-1] {
	case "not", "no", "never":
		return true
	}
	return false
}
