// Package tokenize prepares text for lexical indexing and BM25 querying:
// prose-based tokenization with stopword filtering, falling back to a plain
// splitter when the NLP pass fails.
package tokenize

import (
	"encoding/json"
	"strings"

	"github.com/tsawler/prose/v3"
)

// stopWords are filtered from search content and queries.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"i": true, "me": true, "my": true, "we": true, "our": true,
	"you": true, "your": true, "he": true, "she": true, "it": true,
	"they": true, "them": true, "their": true, "this": true, "that": true,
	"what": true, "which": true, "who": true, "whom": true, "whose": true,
	"where": true, "when": true, "why": true, "how": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"than": true, "so": true, "as": true, "of": true, "at": true,
	"by": true, "for": true, "with": true, "about": true, "into": true,
	"to": true, "from": true, "in": true, "on": true, "up": true,
	"out": true, "off": true, "over": true, "under": true,
}

// Tokens extracts searchable tokens from text: lowercased, stopwords and
// short words removed. Uses prose tokenization when possible.
func Tokens(text string) []string {
	var words []string

	doc, err := prose.NewDocument(text, prose.WithExtraction(false), prose.WithTagging(false))
	if err == nil {
		for _, tok := range doc.Tokens() {
			words = append(words, tok.Text)
		}
	} else {
		words = splitFields(text)
	}

	var tokens []string
	for _, w := range words {
		w = strings.ToLower(strings.Trim(w, ".,!?;:'\"()[]{}"))
		if len(w) >= 3 && !stopWords[w] {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// SearchContent renders the tokens of text as a JSON list, the form stored
// in the lexical index's search_content column.
func SearchContent(text string) string {
	tokens := Tokens(text)
	if tokens == nil {
		tokens = []string{}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// splitFields is the fallback tokenizer: punctuation to spaces, then fields.
func splitFields(text string) []string {
	for _, p := range []string{".", ",", "!", "?", ":", ";", "'", "\""} {
		text = strings.ReplaceAll(text, p, " ")
	}
	return strings.Fields(text)
}
