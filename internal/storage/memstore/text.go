package memstore

import (
	"errors"
	"strings"
	"unicode"

	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"with": true,
}

// textQuery is a parsed $text clause.
type textQuery struct {
	fields   []string // "$**" indexes every string
	terms    []string
	negated  []string
	phrases  []string
	caseSens bool
}

func parseTextQuery(v any, indexes []storage.IndexModel) (*textQuery, error) {
	spec, ok := v.(bson.D)
	if !ok {
		return nil, errors.New("$text expects an object")
	}
	search, ok := getField(spec, "$search")
	if !ok {
		return nil, errors.New("$text requires $search")
	}
	s, ok := search.(string)
	if !ok {
		return nil, errors.New("$search must be a string")
	}

	tq := &textQuery{}
	for _, idx := range indexes {
		for _, k := range idx.Keys {
			if k.Value == "text" {
				tq.fields = append(tq.fields, k.Key)
			}
		}
	}
	if len(tq.fields) == 0 {
		return nil, errors.New("text index required for $text query")
	}
	if v, ok := getField(spec, "$caseSensitive"); ok {
		tq.caseSens = cast.ToBool(v)
	}
	tq.parseSearch(s)
	return tq, nil
}

// parseSearch splits a search string into terms, "quoted phrases" and
// -negated terms.
func (tq *textQuery) parseSearch(s string) {
	for {
		start := strings.IndexByte(s, '"')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start+1:], '"')
		if end < 0 {
			break
		}
		phrase := s[start+1 : start+1+end]
		if strings.TrimSpace(phrase) != "" {
			if !tq.caseSens {
				phrase = strings.ToLower(phrase)
			}
			tq.phrases = append(tq.phrases, phrase)
		}
		tq.terms = append(tq.terms, tokenize(phrase, tq.caseSens)...)
		s = s[:start] + " " + s[start+2+end:]
	}

	for _, word := range strings.Fields(s) {
		neg := strings.HasPrefix(word, "-")
		for _, t := range tokenize(strings.TrimPrefix(word, "-"), tq.caseSens) {
			if neg {
				tq.negated = append(tq.negated, t)
			} else {
				tq.terms = append(tq.terms, t)
			}
		}
	}
}

// tokenize splits s on anything that is not a letter or digit, drops stop
// words and reduces simple plurals.
func tokenize(s string, caseSensitive bool) []string {
	var out []string
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		lw := strings.ToLower(w)
		if stopWords[lw] {
			continue
		}
		if !caseSensitive {
			w = lw
		}
		out = append(out, stem(w))
	}
	return out
}

func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	}
	return w
}

// score reports the relevance of doc, and whether it matches at all. Each
// field contributes, per distinct matching term, a weight that grows with
// the term's share of the field's tokens.
func (tq *textQuery) score(doc bson.D) (float64, bool) {
	texts := tq.fieldTexts(doc)

	for _, phrase := range tq.phrases {
		found := false
		for _, t := range texts {
			if !tq.caseSens {
				t = strings.ToLower(t)
			}
			if strings.Contains(t, phrase) {
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}

	var score float64
	matched := false
	for _, text := range texts {
		tokens := tokenize(text, tq.caseSens)
		if len(tokens) == 0 {
			continue
		}
		counts := make(map[string]int, len(tokens))
		for _, t := range tokens {
			counts[t]++
		}
		for _, n := range tq.negated {
			if counts[n] > 0 {
				return 0, false
			}
		}
		seen := map[string]bool{}
		for _, term := range tq.terms {
			if seen[term] || counts[term] == 0 {
				continue
			}
			seen[term] = true
			matched = true
			score += 0.5 + 0.5*float64(counts[term])/float64(len(tokens))
		}
	}
	return score, matched
}

func (tq *textQuery) fieldTexts(doc bson.D) []string {
	var out []string
	for _, f := range tq.fields {
		if f == "$**" {
			collectStrings(doc, &out)
			continue
		}
		values, _ := lookup(doc, splitPath(f))
		for _, v := range values {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func collectStrings(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		*out = append(*out, val)
	case bson.D:
		for _, e := range val {
			collectStrings(e.Value, out)
		}
	case bson.A:
		for _, x := range val {
			collectStrings(x, out)
		}
	}
}
