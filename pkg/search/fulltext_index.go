package search

import (
	"math"
	"strings"
	"unicode"
)

// BM25 parameters (standard values)
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization

	// prefixWeight scales the IDF of a prefix match relative to an exact one.
	prefixWeight = 0.8
)

// FulltextIndex scores documents against a keyword query with BM25. It is
// built per search over the candidate entities, so IDF reflects the
// candidate set rather than the whole graph. It is not safe for concurrent
// use.
type FulltextIndex struct {
	// Inverted index: term -> docID -> term frequency
	invertedIndex map[string]map[string]int

	// Document lengths: docID -> token count
	docLengths map[string]int

	totalLength int
}

// NewFulltextIndex creates an empty index.
func NewFulltextIndex() *FulltextIndex {
	return &FulltextIndex{
		invertedIndex: make(map[string]map[string]int),
		docLengths:    make(map[string]int),
	}
}

// Index adds a document. Documents without tokens are ignored and indexing
// the same id twice replaces nothing: callers index each id once.
func (f *FulltextIndex) Index(id string, text string) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}
	f.docLengths[id] = len(tokens)
	f.totalLength += len(tokens)

	for _, token := range tokens {
		docs := f.invertedIndex[token]
		if docs == nil {
			docs = make(map[string]int)
			f.invertedIndex[token] = docs
		}
		docs[id]++
	}
}

// Count returns the number of indexed documents.
func (f *FulltextIndex) Count() int { return len(f.docLengths) }

// Scores returns the BM25 score of every document matching at least one
// query term. An indexed term that extends a query term (for "graph",
// "graphs") counts as a weaker match.
func (f *FulltextIndex) Scores(query string) map[string]float64 {
	if len(f.docLengths) == 0 {
		return nil
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	avgDocLength := float64(f.totalLength) / float64(len(f.docLengths))
	scores := make(map[string]float64)
	add := func(term string, weight float64) {
		idf := f.idf(term) * weight
		for docID, termFreq := range f.invertedIndex[term] {
			docLen := float64(f.docLengths[docID])
			tf := float64(termFreq)
			numerator := tf * (bm25K1 + 1)
			denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/avgDocLength))
			scores[docID] += idf * (numerator / denominator)
		}
	}
	for _, term := range queryTerms {
		add(term, 1)
		for indexedTerm := range f.invertedIndex {
			if indexedTerm != term && strings.HasPrefix(indexedTerm, term) {
				add(indexedTerm, prefixWeight)
			}
		}
	}
	return scores
}

// idf uses the Lucene variant log(1 + (N - df + 0.5) / (df + 0.5)), which
// stays non-negative for terms present in most documents.
func (f *FulltextIndex) idf(term string) float64 {
	df := float64(len(f.invertedIndex[term]))
	n := float64(len(f.docLengths))
	return math.Max(0, math.Log(1+(n-df+0.5)/(df+0.5)))
}

// tokenize splits text into lowercase tokens, dropping single characters
// and stop words.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	var tokens []string
	for _, word := range words {
		if len([]rune(word)) < 2 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
