package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strandlabs/strand"
)

// Indexer embeds user and assistant messages into the message-embedding
// store for conversation-memory recall. It implements the engine's
// MessageIndexer.
type Indexer struct {
	log      *slog.Logger
	store    strand.MessageEmbeddingStore
	embedder *Embedder
}

func NewIndexer(store strand.MessageEmbeddingStore, embedder *Embedder, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Indexer{log: log, store: store, embedder: embedder}
}

var _ strand.MessageIndexer = (*Indexer)(nil)

// IndexMessage embeds the message content. Roles other than user and
// assistant, and empty content, are skipped.
func (ix *Indexer) IndexMessage(ctx context.Context, m *strand.Message) error {
	if m.Role != "user" && m.Role != "assistant" {
		return nil
	}
	if strings.TrimSpace(m.Content) == "" {
		return nil
	}
	vec, err := ix.embedder.EmbedOne(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("rag: index message: %w", err)
	}
	e := &strand.MessageEmbedding{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Embedding:      vec,
		EmbeddingModel: ix.embedder.Model(),
		SparseVector:   SparseVector(m.Content),
		ContentHash:    strand.HashContent(m.Content),
		CreatedAt:      strand.NowUnix(),
	}
	if err := ix.store.UpsertMessageEmbedding(ctx, e); err != nil {
		return fmt.Errorf("rag: index message: %w", err)
	}
	return nil
}
