package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// BleveIndex is a full-text knowledge base backed by bleve.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type bleveDocument struct {
	SourceSystem string `json:"source_system"`
	SourceID     string `json:"source_id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
}

// NewMemIndex returns an in-memory index.
func NewMemIndex() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("creating in-memory index: %w", err)
	}
	return &BleveIndex{index: idx}, nil
}

// OpenIndex opens the index at path, creating it when it does not exist.
func OpenIndex(path string) (*BleveIndex, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", path, err)
	}
	return &BleveIndex{index: idx}, nil
}

// Index adds or replaces docs in a single batch.
func (b *BleveIndex) Index(ctx context.Context, docs []Document) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrIndexClosed
	}

	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.SourceID == "" {
			return fmt.Errorf("document from %q has no source id", d.SourceSystem)
		}
		err := batch.Index(d.key(), bleveDocument{
			SourceSystem: d.SourceSystem,
			SourceID:     d.SourceID,
			Title:        d.Title,
			Content:      d.Content,
		})
		if err != nil {
			return fmt.Errorf("indexing %s: %w", d.key(), err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (b *BleveIndex) Count() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrIndexClosed
	}
	return b.index.DocCount()
}

func (b *BleveIndex) Retrieve(ctx context.Context, query string, topK int) ([]models.Citation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrIndexClosed
	}
	if topK <= 0 {
		topK = 5
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), topK, 0, false)
	req.Fields = []string{"source_system", "source_id", "content"}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]models.Citation, 0, len(res.Hits))
	for _, hit := range res.Hits {
		system, _ := hit.Fields["source_system"].(string)
		id, _ := hit.Fields["source_id"].(string)
		content, _ := hit.Fields["content"].(string)
		if id == "" {
			id = hit.ID
		}
		out = append(out, models.Citation{
			SourceSystem: system,
			SourceID:     id,
			Excerpt:      excerpt(content),
			Score:        hit.Score,
		})
	}
	return out, nil
}

func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
