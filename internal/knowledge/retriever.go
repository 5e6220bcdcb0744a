// Package knowledge implements the knowledge-base lookup that backs the
// retrieval step of every plan.
package knowledge

import (
	"context"
	"errors"

	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// ErrIndexClosed is returned by searches against a closed index.
var ErrIndexClosed = errors.New("knowledge index is closed")

// maxExcerpt bounds the excerpt length carried in a citation.
const maxExcerpt = 400

// Retriever returns the passages most relevant to query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]models.Citation, error)
}

// Document is a unit of source material to be indexed.
type Document struct {
	SourceSystem string `json:"source_system"`
	SourceID     string `json:"source_id"`
	Title        string `json:"title,omitempty"`
	Content      string `json:"content"`
}

func (d Document) key() string {
	return d.SourceSystem + ":" + d.SourceID
}

func excerpt(text string) string {
	r := []rune(text)
	if len(r) <= maxExcerpt {
		return text
	}
	return string(r[:maxExcerpt-3]) + "..."
}
