package knowledge

import (
	"context"
	"fmt"
	"net/url"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
	"github.com/tmc/langchaingo/vectorstores/qdrant"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

// Metadata keys written alongside each vector document.
const (
	metaSourceSystem = "source_system"
	metaSourceID     = "source_id"
)

// VectorRetriever adapts a langchaingo vector store.
type VectorRetriever struct {
	Store vectorstores.VectorStore
}

func NewVectorRetriever(store vectorstores.VectorStore) *VectorRetriever {
	return &VectorRetriever{Store: store}
}

// Index embeds and stores docs.
func (v *VectorRetriever) Index(ctx context.Context, docs []Document) error {
	sdocs := make([]schema.Document, 0, len(docs))
	for _, d := range docs {
		sdocs = append(sdocs, schema.Document{
			PageContent: d.Content,
			Metadata: map[string]any{
				metaSourceSystem: d.SourceSystem,
				metaSourceID:     d.SourceID,
				"title":          d.Title,
			},
		})
	}
	if _, err := v.Store.AddDocuments(ctx, sdocs); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

func (v *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]models.Citation, error) {
	docs, err := v.Store.SimilaritySearch(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	out := make([]models.Citation, 0, len(docs))
	for _, d := range docs {
		system, _ := d.Metadata[metaSourceSystem].(string)
		id, _ := d.Metadata[metaSourceID].(string)
		out = append(out, models.Citation{
			SourceSystem: system,
			SourceID:     id,
			Excerpt:      excerpt(d.PageContent),
			Score:        float64(d.Score),
		})
	}
	return out, nil
}

// NewQdrantRetriever connects to a Qdrant collection. Documents are embedded
// with embedder on both write and query.
func NewQdrantRetriever(rawURL, apiKey, collection string, embedder embeddings.Embedder) (*VectorRetriever, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing qdrant url: %w", err)
	}
	opts := []qdrant.Option{
		qdrant.WithURL(*u),
		qdrant.WithCollectionName(collection),
		qdrant.WithEmbedder(embedder),
	}
	if apiKey != "" {
		opts = append(opts, qdrant.WithAPIKey(apiKey))
	}
	store, err := qdrant.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating qdrant store: %w", err)
	}
	return NewVectorRetriever(store), nil
}
