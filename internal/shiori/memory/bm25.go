package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Document is the indexed form of one memory entry. It is derived data:
// the store rebuilds every Document from its profile and daily notes.
type Document struct {
	ID       string
	Category Category
	Key      string
	Tokens   []string
}

type indexedDoc struct {
	Document
	counts map[string]int
}

// Hit is one scored document.
type Hit struct {
	DocID string
	Score float64
}

// Index is an Okapi BM25 index over a small, mutable document set. It is
// not safe for concurrent use; the owning Store serialises access.
type Index struct {
	k1, b    float64
	docs     []indexedDoc
	df       map[string]int
	totalLen int
}

// NewIndex returns an empty index with the given BM25 parameters.
func NewIndex(k1, b float64) *Index {
	return &Index{k1: k1, b: b, df: make(map[string]int)}
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "with": {},
}

// Tokenize lower-cases text, splits it on anything that is not a letter or
// digit and drops a small set of English stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	return len(ix.docs)
}

// Rebuild discards all term statistics and indexes docs from scratch.
func (ix *Index) Rebuild(docs []Document) {
	ix.docs = ix.docs[:0]
	ix.df = make(map[string]int, len(ix.df))
	ix.totalLen = 0
	for _, d := range docs {
		ix.Add(d)
	}
}

// Add indexes one more document. Adding is cheap; removing or editing a
// document requires a Rebuild.
func (ix *Index) Add(d Document) {
	counts := make(map[string]int, len(d.Tokens))
	for _, t := range d.Tokens {
		counts[t]++
	}
	for t := range counts {
		ix.df[t]++
	}
	ix.totalLen += len(d.Tokens)
	ix.docs = append(ix.docs, indexedDoc{Document: d, counts: counts})
}

// idf is the BM25 inverse document frequency with the +1 smoothing that
// keeps it positive for terms present in most documents.
func (ix *Index) idf(term string) float64 {
	n := float64(len(ix.docs))
	df := float64(ix.df[term])
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

// Search scores every document that passes filter (nil means all) against
// query and returns up to limit hits, best first. Documents scoring zero are
// excluded. Equal scores are ordered by DocID so results are deterministic.
func (ix *Index) Search(query string, limit int, filter func(Document) bool) []Hit {
	if len(ix.docs) == 0 {
		return nil
	}
	terms := uniqueTerms(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}

	avgdl := float64(ix.totalLen) / float64(len(ix.docs))
	if avgdl == 0 {
		avgdl = 1
	}
	idf := make(map[string]float64, len(terms))
	for _, t := range terms {
		idf[t] = ix.idf(t)
	}

	var hits []Hit
	for _, d := range ix.docs {
		if filter != nil && !filter(d.Document) {
			continue
		}
		dl := float64(len(d.Tokens))
		score := 0.0
		for _, t := range terms {
			tf := float64(d.counts[t])
			if tf == 0 {
				continue
			}
			score += idf[t] * tf * (ix.k1 + 1) / (tf + ix.k1*(1-ix.b+ix.b*dl/avgdl))
		}
		if score > 0 {
			hits = append(hits, Hit{DocID: d.ID, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
