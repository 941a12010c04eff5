// Package rag adapts an eino retriever component to the plain snippet
// contract the gateway consumes. The embedding and index layers behind the
// component are external; the gateway only sees ranked text.
package rag

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/retriever"
)

// Service wraps a retriever component. A nil component is a valid
// configuration: retrieval then always yields no snippets, matching a
// deployment whose index is not populated yet.
type Service struct {
	retriever retriever.Retriever
}

// NewService builds the retrieval adapter.
func NewService(r retriever.Retriever) *Service {
	return &Service{retriever: r}
}

// Retrieve returns up to topK ranked snippets for the query. An empty
// result is normal and not an error.
func (s *Service) Retrieve(ctx context.Context, query string, topK int) ([]string, error) {
	if s.retriever == nil {
		return nil, nil
	}

	docs, err := s.retriever.Retrieve(ctx, query, retriever.WithTopK(topK))
	if err != nil {
		return nil, fmt.Errorf("retrieve failed: %w", err)
	}

	snippets := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || doc.Content == "" {
			continue
		}
		snippets = append(snippets, doc.Content)
	}
	return snippets, nil
}
