package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/strandlabs/strand"
)

// Retriever turns search hits into the system-prompt context block. It
// implements the engine's ContextRetriever.
type Retriever struct {
	log      *slog.Logger
	store    strand.DocumentStore
	searcher *Searcher
}

func NewRetriever(store strand.DocumentStore, searcher *Searcher, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Retriever{log: log, store: store, searcher: searcher}
}

var _ strand.ContextRetriever = (*Retriever)(nil)

// ContextFor retrieves the top chunks for query and formats them as cited
// sources. An empty result returns an empty string so the prompt assembler
// skips the section.
func (r *Retriever) ContextFor(ctx context.Context, query string, documentIDs []string) (string, error) {
	hits, err := r.searcher.Search(ctx, query, documentIDs)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", nil
	}

	titles := make(map[string]string)
	for _, hit := range hits {
		id := hit.Chunk.DocumentID
		if _, ok := titles[id]; ok {
			continue
		}
		doc, err := r.store.Document(ctx, id)
		if err != nil {
			r.log.Warn("rag: document title lookup failed", "document_id", id, "error", err)
			titles[id] = id
			continue
		}
		titles[id] = doc.Title
	}
	return FormatContext(hits, titles), nil
}

// FormatContext renders hits as the cited source block:
//
//	[Source 1] <doc-title → section-title> (Chunk <index>)
//	<content>
//	---
func FormatContext(hits []strand.ScoredChunk, docTitles map[string]string) string {
	var sb strings.Builder
	sb.WriteString("Use the following sources to answer. Cite facts as [Source N].\n\n")
	for i, hit := range hits {
		title := docTitles[hit.Chunk.DocumentID]
		if title == "" {
			title = hit.Chunk.DocumentID
		}
		sb.WriteString(fmt.Sprintf("[Source %d] %s", i+1, title))
		if hit.Chunk.SectionTitle != "" {
			sb.WriteString(" → ")
			sb.WriteString(hit.Chunk.SectionTitle)
		}
		sb.WriteString(fmt.Sprintf(" (Chunk %d)\n", hit.Chunk.ChunkIndex))
		sb.WriteString(strings.TrimSpace(hit.Chunk.Content))
		sb.WriteString("\n---\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Recaller retrieves semantically similar prior messages for the
// conversation-memory block. It implements the engine's MemoryRecaller.
type Recaller struct {
	log       *slog.Logger
	messages  strand.MessageEmbeddingStore
	convs     strand.ConversationStore
	embedder  *Embedder
	topK      int
	threshold float64
}

func NewRecaller(messages strand.MessageEmbeddingStore, convs strand.ConversationStore, embedder *Embedder, log *slog.Logger) *Recaller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Recaller{
		log:       log,
		messages:  messages,
		convs:     convs,
		embedder:  embedder,
		topK:      5,
		threshold: 0.3,
	}
}

var _ strand.MemoryRecaller = (*Recaller)(nil)

// RecallFor searches the user's conversations for messages similar to
// query, fusing dense and keyword hits, and excludes the current
// conversation's recent context by relying on the planner to carry it.
func (r *Recaller) RecallFor(ctx context.Context, conversationID, userID, query string) (string, error) {
	convs, err := r.convs.ListConversations(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("rag: recall: %w", err)
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	if len(ids) == 0 {
		return "", nil
	}

	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return "", fmt.Errorf("rag: recall: %w", err)
	}
	denseHits, err := r.messages.SearchMessagesDense(ctx, vec, ids, r.topK, r.threshold)
	if err != nil {
		return "", fmt.Errorf("rag: recall: %w", err)
	}
	keywordHits, err := r.messages.SearchMessagesKeyword(ctx, query, ids, r.topK)
	if err != nil {
		r.log.Warn("rag: keyword recall failed, using dense only", "error", err)
		keywordHits = nil
	}

	hits := fuseMessages(denseHits, keywordHits)
	if len(hits) > r.topK {
		hits = hits[:r.topK]
	}
	if len(hits) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Relevant prior conversation excerpts:\n")
	for _, hit := range hits {
		sb.WriteString("- ")
		sb.WriteString(truncate(hit.Message.Content, 400))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func fuseMessages(lists ...[]strand.ScoredMessage) []strand.ScoredMessage {
	type fused struct {
		msg   strand.ScoredMessage
		score float64
	}
	byID := make(map[string]*fused)
	for _, list := range lists {
		for rank, hit := range list {
			f, ok := byID[hit.Message.ID]
			if !ok {
				f = &fused{msg: hit}
				byID[hit.Message.ID] = f
			}
			f.score += 1.0 / float64(rank+1+rrfK)
		}
	}
	out := make([]strand.ScoredMessage, 0, len(byID))
	for _, f := range byID {
		out = append(out, strand.ScoredMessage{Message: f.msg.Message, Score: f.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Message.ID < out[j].Message.ID
	})
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
