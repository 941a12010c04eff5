package rag

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

// MemoryRetriever is a keyword-overlap retriever over an in-process snippet
// list. It implements the eino retriever component interface so local and
// test deployments run the same wiring as a vector-backed index.
type MemoryRetriever struct {
	docs []*schema.Document
}

// NewMemoryRetriever indexes the supplied snippets.
func NewMemoryRetriever(snippets []string) *MemoryRetriever {
	docs := make([]*schema.Document, 0, len(snippets))
	for i, text := range snippets {
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, &schema.Document{
			ID:      "doc-" + strconv.Itoa(i),
			Content: text,
		})
	}
	return &MemoryRetriever{docs: docs}
}

// Retrieve ranks indexed snippets by query-term overlap and returns the top
// matches. Snippets sharing no terms with the query are not returned.
func (m *MemoryRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	options := retriever.GetCommonOptions(&retriever.Options{}, opts...)
	topK := 5
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type scored struct {
		doc   *schema.Document
		score int
	}
	ranked := make([]scored, 0, len(m.docs))
	for _, doc := range m.docs {
		score := overlap(terms, tokenize(doc.Content))
		if score > 0 {
			ranked = append(ranked, scored{doc: doc, score: score})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	docs := make([]*schema.Document, 0, len(ranked))
	for _, entry := range ranked {
		docs = append(docs, entry.doc)
	}
	return docs, nil
}

func tokenize(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		field = strings.Trim(field, ".,;:!?\"'()[]")
		if len(field) > 2 {
			terms[field] = struct{}{}
		}
	}
	return terms
}

func overlap(a, b map[string]struct{}) int {
	count := 0
	for term := range a {
		if _, ok := b[term]; ok {
			count++
		}
	}
	return count
}
