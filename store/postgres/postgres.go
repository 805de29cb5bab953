// Package postgres implements strand.Store using PostgreSQL with pgvector
// for vector similarity search and tsvector for full-text keyword search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlabs/strand"
)

// Store implements strand.Store backed by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

var _ strand.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Close is a no-op: the pool is caller-owned.
func (s *Store) Close() error { return nil }

func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			backend_key TEXT NOT NULL DEFAULT '',
			model_params JSONB,
			tools JSONB,
			memory_recall BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			request_turn_count INTEGER NOT NULL DEFAULT 0,
			max_turns INTEGER NOT NULL DEFAULT 0,
			tokens_prompt INTEGER NOT NULL DEFAULT 0,
			tokens_completion INTEGER NOT NULL DEFAULT 0,
			pending_tool_request JSONB,
			waiting_for TEXT NOT NULL DEFAULT '',
			client_tools JSONB,
			system_prompt_snapshot TEXT NOT NULL DEFAULT '',
			model_config_snapshot JSONB,
			document_ids JSONB,
			cancelled_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_user_idx ON conversations(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			images JSONB,
			created_at BIGINT NOT NULL,
			UNIQUE(conversation_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, position)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_user_idx ON documents(user_id)`,

		`CREATE TABLE IF NOT EXISTS document_stages (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS document_stages_document_idx ON document_stages(document_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			start_offset INTEGER NOT NULL DEFAULT 0,
			end_offset INTEGER NOT NULL DEFAULT 0,
			section_title TEXT NOT NULL DEFAULT '',
			chunk_type TEXT NOT NULL DEFAULT 'text',
			embedding %s,
			embedding_model TEXT NOT NULL DEFAULT '',
			embedding_generated_at BIGINT NOT NULL DEFAULT 0,
			sparse_vector JSONB,
			content_hash TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT ''
		)`, vtype),
		`CREATE UNIQUE INDEX IF NOT EXISTS document_chunks_document_idx ON document_chunks(document_id, chunk_index)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_embedding_idx ON document_chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS document_chunks_fts_idx ON document_chunks USING gin(to_tsvector('english', content))`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			embedding %s,
			embedding_model TEXT NOT NULL DEFAULT '',
			sparse_vector JSONB,
			content_hash TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS message_embeddings_conversation_idx ON message_embeddings(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS message_embeddings_embedding_idx ON message_embeddings USING hnsw (embedding vector_cosine_ops)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			embedding_model TEXT NOT NULL,
			embedding %s,
			created_at BIGINT NOT NULL,
			UNIQUE(content_hash, embedding_model)
		)`, vtype),

		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			from_position INTEGER NOT NULL,
			to_position INTEGER NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			original_token_count INTEGER NOT NULL DEFAULT 0,
			backend_used TEXT NOT NULL DEFAULT '',
			model_used TEXT NOT NULL DEFAULT '',
			summarized_message_ids JSONB,
			created_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS conversation_summaries_conversation_idx ON conversation_summaries(conversation_id)`,

		`CREATE TABLE IF NOT EXISTS fetched_pages (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL DEFAULT '',
			fetched_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, a *strand.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, instructions, backend_key, model_params, tools, memory_recall, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8::jsonb, $9)`,
		a.ID, a.Name, a.Instructions, a.BackendKey,
		jsonOrNil(a.ModelParams), jsonOrNil(a.Tools), a.MemoryRecall, jsonOrNil(a.Metadata), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (s *Store) Agent(ctx context.Context, id string) (*strand.Agent, error) {
	var a strand.Agent
	var params, tools, meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, instructions, backend_key, model_params, tools, memory_recall, metadata, created_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.Instructions, &a.BackendKey, &params, &tools, &a.MemoryRecall, &meta, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent %s: %w", id, err)
	}
	if params != nil {
		_ = json.Unmarshal(params, &a.ModelParams)
	}
	if tools != nil {
		_ = json.Unmarshal(tools, &a.Tools)
	}
	if meta != nil {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return &a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *strand.Agent) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET name = $2, instructions = $3, backend_key = $4,
		   model_params = $5::jsonb, tools = $6::jsonb, memory_recall = $7, metadata = $8::jsonb
		 WHERE id = $1`,
		a.ID, a.Name, a.Instructions, a.BackendKey,
		jsonOrNil(a.ModelParams), jsonOrNil(a.Tools), a.MemoryRecall, jsonOrNil(a.Metadata))
	if err != nil {
		return fmt.Errorf("postgres: update agent: %w", err)
	}
	return nil
}

// SetAgentMetadata writes one metadata key atomically in the database.
func (s *Store) SetAgentMetadata(ctx context.Context, agentID, key, value string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), ARRAY[$2], to_jsonb($3::text))
		 WHERE id = $1`,
		agentID, key, value)
	if err != nil {
		return fmt.Errorf("postgres: set agent metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set agent metadata: agent %s not found", agentID)
	}
	return nil
}

// --- Conversations ---

const conversationCols = `id, user_id, agent_id, status, turn_count, request_turn_count, max_turns,
	tokens_prompt, tokens_completion, pending_tool_request, waiting_for, client_tools,
	system_prompt_snapshot, model_config_snapshot, document_ids, cancelled_at, created_at, updated_at`

func (s *Store) CreateConversation(ctx context.Context, c *strand.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12::jsonb, $13, $14::jsonb, $15::jsonb, $16, $17, $18)`,
		c.ID, c.UserID, c.AgentID, string(c.Status), c.TurnCount, c.RequestTurnCount, c.MaxTurns,
		c.PromptTokens, c.CompletionTokens, jsonOrNil(c.PendingToolRequest), c.WaitingFor,
		jsonOrNil(c.ClientTools), c.SystemPromptSnapshot, rawOrNil(c.ConfigSnapshot),
		jsonOrNil(c.DocumentIDs), c.CancelledAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create conversation: %w", err)
	}
	return nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*strand.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, c *strand.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $2, turn_count = $3, request_turn_count = $4, max_turns = $5,
		   tokens_prompt = $6, tokens_completion = $7, pending_tool_request = $8::jsonb, waiting_for = $9,
		   client_tools = $10::jsonb, system_prompt_snapshot = $11, model_config_snapshot = $12::jsonb,
		   document_ids = $13::jsonb, cancelled_at = $14, updated_at = $15
		 WHERE id = $1`,
		c.ID, string(c.Status), c.TurnCount, c.RequestTurnCount, c.MaxTurns,
		c.PromptTokens, c.CompletionTokens, jsonOrNil(c.PendingToolRequest), c.WaitingFor,
		jsonOrNil(c.ClientTools), c.SystemPromptSnapshot, rawOrNil(c.ConfigSnapshot),
		jsonOrNil(c.DocumentIDs), c.CancelledAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update conversation: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]strand.Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	var out []strand.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*strand.Conversation, error) {
	var c strand.Conversation
	var status string
	var pending, clientTools, snapshot, docIDs []byte
	err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &status, &c.TurnCount, &c.RequestTurnCount, &c.MaxTurns,
		&c.PromptTokens, &c.CompletionTokens, &pending, &c.WaitingFor, &clientTools,
		&c.SystemPromptSnapshot, &snapshot, &docIDs, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = strand.ConversationStatus(status)
	if pending != nil {
		_ = json.Unmarshal(pending, &c.PendingToolRequest)
	}
	if clientTools != nil {
		_ = json.Unmarshal(clientTools, &c.ClientTools)
	}
	if snapshot != nil {
		c.ConfigSnapshot = json.RawMessage(snapshot)
	}
	if docIDs != nil {
		_ = json.Unmarshal(docIDs, &c.DocumentIDs)
	}
	return &c, nil
}

// --- Messages ---

// AppendMessage assigns the next position under a per-conversation advisory
// lock and inserts the message. The assigned position is written back to m.
func (s *Store) AppendMessage(ctx context.Context, m *strand.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: append message: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, m.ConversationID); err != nil {
		return fmt.Errorf("postgres: append message: lock: %w", err)
	}

	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE conversation_id = $1`,
		m.ConversationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("postgres: append message: next position: %w", err)
	}
	m.Position = next

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, position, role, content, tool_calls, tool_call_id,
		   tool_name, thinking, token_count, images, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11::jsonb, $12)`,
		m.ID, m.ConversationID, m.Position, m.Role, m.Content, jsonOrNil(m.ToolCalls),
		m.ToolCallID, m.ToolName, m.Thinking, m.TokenCount, jsonOrNil(m.Images), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append message: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: append message: commit: %w", err)
	}
	return nil
}

const messageCols = `id, conversation_id, position, role, content, tool_calls, tool_call_id,
	tool_name, thinking, token_count, images, created_at`

func (s *Store) Messages(ctx context.Context, conversationID string) ([]strand.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = $1 ORDER BY position`,
		conversationID)
}

func (s *Store) MessagesAfter(ctx context.Context, conversationID string, after int) ([]strand.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = $1 AND position > $2 ORDER BY position`,
		conversationID, after)
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]strand.Message, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}
	defer rows.Close()

	var out []strand.Message
	for rows.Next() {
		var m strand.Message
		var toolCalls, images []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Position, &m.Role, &m.Content, &toolCalls,
			&m.ToolCallID, &m.ToolName, &m.Thinking, &m.TokenCount, &images, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if toolCalls != nil {
			_ = json.Unmarshal(toolCalls, &m.ToolCalls)
		}
		if images != nil {
			_ = json.Unmarshal(images, &m.Images)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Documents ---

func (s *Store) CreateDocument(ctx context.Context, d *strand.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, user_id, title, source, mime_type, content, status, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
		d.ID, d.UserID, d.Title, d.Source, d.MimeType, d.Content, d.Status, jsonOrNil(d.Metadata), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create document: %w", err)
	}
	return nil
}

func (s *Store) Document(ctx context.Context, id string) (*strand.Document, error) {
	var d strand.Document
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, source, mime_type, content, status, metadata, created_at
		 FROM documents WHERE id = $1`, id,
	).Scan(&d.ID, &d.UserID, &d.Title, &d.Source, &d.MimeType, &d.Content, &d.Status, &meta, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: get document %s: %w", id, err)
	}
	if meta != nil {
		_ = json.Unmarshal(meta, &d.Metadata)
	}
	return &d, nil
}

func (s *Store) UpdateDocument(ctx context.Context, d *strand.Document) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE documents SET title = $2, source = $3, mime_type = $4, content = $5, status = $6, metadata = $7::jsonb
		 WHERE id = $1`,
		d.ID, d.Title, d.Source, d.MimeType, d.Content, d.Status, jsonOrNil(d.Metadata))
	if err != nil {
		return fmt.Errorf("postgres: update document: %w", err)
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, userID string) ([]strand.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, title, source, mime_type, content, status, metadata, created_at
		 FROM documents WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	defer rows.Close()

	var out []strand.Document
	for rows.Next() {
		var d strand.Document
		var meta []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Source, &d.MimeType, &d.Content, &d.Status, &meta, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		if meta != nil {
			_ = json.Unmarshal(meta, &d.Metadata)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) AppendStage(ctx context.Context, st *strand.DocumentStage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_stages (id, document_id, stage, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		st.ID, st.DocumentID, st.Stage, st.Content, jsonOrNil(st.Metadata), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append stage: %w", err)
	}
	return nil
}

func (s *Store) Stages(ctx context.Context, documentID string) ([]strand.DocumentStage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, stage, content, metadata, created_at
		 FROM document_stages WHERE document_id = $1 ORDER BY created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get stages: %w", err)
	}
	defer rows.Close()

	var out []strand.DocumentStage
	for rows.Next() {
		var st strand.DocumentStage
		var meta []byte
		if err := rows.Scan(&st.ID, &st.DocumentID, &st.Stage, &st.Content, &meta, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stage: %w", err)
		}
		if meta != nil {
			_ = json.Unmarshal(meta, &st.Metadata)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Chunks ---

// UpsertChunks inserts or replaces chunks in a single transaction.
func (s *Store) UpsertChunks(ctx context.Context, chunks []strand.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: upsert chunks: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range chunks {
		var emb any
		if len(c.Embedding) > 0 {
			emb = serializeEmbedding(c.Embedding)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, token_count,
			   start_offset, end_offset, section_title, chunk_type, embedding, embedding_model,
			   embedding_generated_at, sparse_vector, content_hash, language)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11, $12, $13::jsonb, $14, $15)
			 ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			   content = EXCLUDED.content,
			   token_count = EXCLUDED.token_count,
			   start_offset = EXCLUDED.start_offset,
			   end_offset = EXCLUDED.end_offset,
			   section_title = EXCLUDED.section_title,
			   chunk_type = EXCLUDED.chunk_type,
			   embedding = EXCLUDED.embedding,
			   embedding_model = EXCLUDED.embedding_model,
			   embedding_generated_at = EXCLUDED.embedding_generated_at,
			   sparse_vector = EXCLUDED.sparse_vector,
			   content_hash = EXCLUDED.content_hash,
			   language = EXCLUDED.language`,
			c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount,
			c.StartOffset, c.EndOffset, c.SectionTitle, c.ChunkType, emb, c.EmbeddingModel,
			c.EmbeddingGeneratedAt, jsonOrNil(c.SparseVector), c.ContentHash, c.Language)
		if err != nil {
			return fmt.Errorf("postgres: upsert chunk: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: upsert chunks: commit: %w", err)
	}
	return nil
}

const chunkCols = `id, document_id, chunk_index, content, token_count, start_offset, end_offset,
	section_title, chunk_type, embedding_model, embedding_generated_at, sparse_vector, content_hash, language`

func (s *Store) Chunks(ctx context.Context, documentID string) ([]strand.DocumentChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkCols+` FROM document_chunks WHERE document_id = $1 ORDER BY chunk_index`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows, nil)
}

// SearchChunksDense ranks chunks by pgvector cosine similarity, keeping
// only hits at or above threshold.
func (s *Store) SearchChunksDense(ctx context.Context, embedding []float32, documentIDs []string, topK int, threshold float64) ([]strand.ScoredChunk, error) {
	embStr := serializeEmbedding(embedding)

	var rows pgx.Rows
	var err error
	if len(documentIDs) > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+chunkCols+`, 1 - (embedding <=> $1::vector) AS score
			 FROM document_chunks
			 WHERE embedding IS NOT NULL AND document_id = ANY($2)
			   AND 1 - (embedding <=> $1::vector) >= $3
			 ORDER BY embedding <=> $1::vector
			 LIMIT $4`,
			embStr, documentIDs, threshold, topK)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+chunkCols+`, 1 - (embedding <=> $1::vector) AS score
			 FROM document_chunks
			 WHERE embedding IS NOT NULL
			   AND 1 - (embedding <=> $1::vector) >= $2
			 ORDER BY embedding <=> $1::vector
			 LIMIT $3`,
			embStr, threshold, topK)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: dense search: %w", err)
	}
	defer rows.Close()

	var scores []float64
	chunks, err := scanChunks(rows, &scores)
	if err != nil {
		return nil, err
	}
	return scored(chunks, scores), nil
}

// SearchChunksKeyword performs full-text search with tsvector and a GIN
// index.
func (s *Store) SearchChunksKeyword(ctx context.Context, query string, documentIDs []string, topK int) ([]strand.ScoredChunk, error) {
	var rows pgx.Rows
	var err error
	if len(documentIDs) > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+chunkCols+`, ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
			 FROM document_chunks
			 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
			   AND document_id = ANY($2)
			 ORDER BY score DESC
			 LIMIT $3`,
			query, documentIDs, topK)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+chunkCols+`, ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
			 FROM document_chunks
			 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
			 ORDER BY score DESC
			 LIMIT $2`,
			query, topK)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()

	var scores []float64
	chunks, err := scanChunks(rows, &scores)
	if err != nil {
		return nil, err
	}
	return scored(chunks, scores), nil
}

// scanChunks reads chunk rows; when scores is non-nil each row is expected
// to carry a trailing score column.
func scanChunks(rows pgx.Rows, scores *[]float64) ([]strand.DocumentChunk, error) {
	var out []strand.DocumentChunk
	for rows.Next() {
		var c strand.DocumentChunk
		var sparse []byte
		dest := []any{&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount,
			&c.StartOffset, &c.EndOffset, &c.SectionTitle, &c.ChunkType,
			&c.EmbeddingModel, &c.EmbeddingGeneratedAt, &sparse, &c.ContentHash, &c.Language}
		var score float64
		if scores != nil {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if sparse != nil {
			_ = json.Unmarshal(sparse, &c.SparseVector)
		}
		out = append(out, c)
		if scores != nil {
			*scores = append(*scores, score)
		}
	}
	return out, rows.Err()
}

func scored(chunks []strand.DocumentChunk, scores []float64) []strand.ScoredChunk {
	out := make([]strand.ScoredChunk, len(chunks))
	for i := range chunks {
		out[i] = strand.ScoredChunk{Chunk: chunks[i], Score: scores[i]}
	}
	return out
}

// --- Message embeddings ---

func (s *Store) UpsertMessageEmbedding(ctx context.Context, e *strand.MessageEmbedding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_embeddings (message_id, conversation_id, embedding, embedding_model, sparse_vector, content_hash, created_at)
		 VALUES ($1, $2, $3::vector, $4, $5::jsonb, $6, $7)
		 ON CONFLICT (message_id) DO UPDATE SET
		   embedding = EXCLUDED.embedding,
		   embedding_model = EXCLUDED.embedding_model,
		   sparse_vector = EXCLUDED.sparse_vector,
		   content_hash = EXCLUDED.content_hash`,
		e.MessageID, e.ConversationID, serializeEmbedding(e.Embedding), e.EmbeddingModel,
		jsonOrNil(e.SparseVector), e.ContentHash, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert message embedding: %w", err)
	}
	return nil
}

func (s *Store) SearchMessagesDense(ctx context.Context, embedding []float32, conversationIDs []string, topK int, threshold float64) ([]strand.ScoredMessage, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.position, m.role, m.content, m.created_at,
		        1 - (e.embedding <=> $1::vector) AS score
		 FROM message_embeddings e JOIN messages m ON m.id = e.message_id
		 WHERE e.embedding IS NOT NULL AND e.conversation_id = ANY($2)
		   AND 1 - (e.embedding <=> $1::vector) >= $3
		 ORDER BY e.embedding <=> $1::vector
		 LIMIT $4`,
		embStr, conversationIDs, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: dense message search: %w", err)
	}
	defer rows.Close()
	return scanScoredMessages(rows)
}

func (s *Store) SearchMessagesKeyword(ctx context.Context, query string, conversationIDs []string, topK int) ([]strand.ScoredMessage, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, position, role, content, created_at,
		        ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		 FROM messages
		 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		   AND conversation_id = ANY($2) AND role IN ('user', 'assistant')
		 ORDER BY score DESC
		 LIMIT $3`,
		query, conversationIDs, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword message search: %w", err)
	}
	defer rows.Close()
	return scanScoredMessages(rows)
}

func scanScoredMessages(rows pgx.Rows) ([]strand.ScoredMessage, error) {
	var out []strand.ScoredMessage
	for rows.Next() {
		var m strand.Message
		var score float64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Position, &m.Role, &m.Content, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan scored message: %w", err)
		}
		out = append(out, strand.ScoredMessage{Message: m, Score: score})
	}
	return out, rows.Err()
}

// --- Embedding cache ---

func (s *Store) CachedEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error) {
	var embStr string
	err := s.pool.QueryRow(ctx,
		`SELECT embedding::text FROM embedding_cache WHERE content_hash = $1 AND embedding_model = $2`,
		contentHash, model).Scan(&embStr)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: cached embedding: %w", err)
	}
	vec, err := deserializeEmbedding(embStr)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: cached embedding: %w", err)
	}
	return vec, true, nil
}

func (s *Store) PutEmbedding(ctx context.Context, e *strand.EmbeddingCacheEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embedding_cache (content_hash, embedding_model, embedding, created_at)
		 VALUES ($1, $2, $3::vector, $4)
		 ON CONFLICT (content_hash, embedding_model) DO UPDATE SET embedding = EXCLUDED.embedding`,
		e.ContentHash, e.EmbeddingModel, serializeEmbedding(e.Embedding), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put embedding: %w", err)
	}
	return nil
}

// --- Summaries ---

// ClaimSummaryRange inserts a pending summary under the conversation lock,
// failing when [from, to] overlaps any non-failed summary.
func (s *Store) ClaimSummaryRange(ctx context.Context, sum *strand.ConversationSummary) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: claim summary: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sum.ConversationID); err != nil {
		return fmt.Errorf("postgres: claim summary: lock: %w", err)
	}

	var overlapping int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_summaries
		 WHERE conversation_id = $1 AND status != 'failed'
		   AND from_position <= $3 AND to_position >= $2`,
		sum.ConversationID, sum.FromPosition, sum.ToPosition).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("postgres: claim summary: overlap check: %w", err)
	}
	if overlapping > 0 {
		return fmt.Errorf("postgres: claim summary: range [%d, %d] overlaps an existing summary",
			sum.FromPosition, sum.ToPosition)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO conversation_summaries (id, conversation_id, from_position, to_position, status,
		   content, token_count, original_token_count, backend_used, model_used,
		   summarized_message_ids, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)`,
		sum.ID, sum.ConversationID, sum.FromPosition, sum.ToPosition, sum.Status,
		sum.Content, sum.TokenCount, sum.OriginalTokenCount, sum.BackendUsed, sum.ModelUsed,
		jsonOrNil(sum.SummarizedMessageIDs), sum.CreatedAt, sum.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: claim summary: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: claim summary: commit: %w", err)
	}
	return nil
}

const summaryCols = `id, conversation_id, from_position, to_position, status, content, token_count,
	original_token_count, backend_used, model_used, summarized_message_ids, created_at, completed_at`

func (s *Store) Summary(ctx context.Context, id string) (*strand.ConversationSummary, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+summaryCols+` FROM conversation_summaries WHERE id = $1`, id)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: get summary %s: %w", id, err)
	}
	return sum, nil
}

func (s *Store) UpdateSummary(ctx context.Context, sum *strand.ConversationSummary) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversation_summaries SET status = $2, content = $3, token_count = $4,
		   original_token_count = $5, backend_used = $6, model_used = $7,
		   summarized_message_ids = $8::jsonb, completed_at = $9
		 WHERE id = $1`,
		sum.ID, sum.Status, sum.Content, sum.TokenCount,
		sum.OriginalTokenCount, sum.BackendUsed, sum.ModelUsed,
		jsonOrNil(sum.SummarizedMessageIDs), sum.CompletedAt)
	if err != nil {
		return fmt.Errorf("postgres: update summary: %w", err)
	}
	return nil
}

func (s *Store) CompletedSummaries(ctx context.Context, conversationID string) ([]strand.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+summaryCols+` FROM conversation_summaries
		 WHERE conversation_id = $1 AND status = 'completed'
		 ORDER BY from_position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: completed summaries: %w", err)
	}
	defer rows.Close()

	var out []strand.ConversationSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (*strand.ConversationSummary, error) {
	var sum strand.ConversationSummary
	var ids []byte
	err := row.Scan(&sum.ID, &sum.ConversationID, &sum.FromPosition, &sum.ToPosition, &sum.Status,
		&sum.Content, &sum.TokenCount, &sum.OriginalTokenCount, &sum.BackendUsed, &sum.ModelUsed,
		&ids, &sum.CreatedAt, &sum.CompletedAt)
	if err != nil {
		return nil, err
	}
	if ids != nil {
		_ = json.Unmarshal(ids, &sum.SummarizedMessageIDs)
	}
	return &sum, nil
}

// --- Fetched pages ---

func (s *Store) SavePage(ctx context.Context, p *strand.FetchedPage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetched_pages (id, url, title, content, document_id, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   url = EXCLUDED.url, title = EXCLUDED.title, content = EXCLUDED.content,
		   document_id = EXCLUDED.document_id, fetched_at = EXCLUDED.fetched_at`,
		p.ID, p.URL, p.Title, p.Content, p.DocumentID, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("postgres: save page: %w", err)
	}
	return nil
}

func (s *Store) Page(ctx context.Context, id string) (*strand.FetchedPage, error) {
	var p strand.FetchedPage
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, title, content, document_id, fetched_at FROM fetched_pages WHERE id = $1`, id,
	).Scan(&p.ID, &p.URL, &p.Title, &p.Content, &p.DocumentID, &p.FetchedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: get page %s: %w", id, err)
	}
	return &p, nil
}

// --- Helpers ---

// jsonOrNil marshals v to JSON, returning nil for nil pointers, empty
// slices, and empty maps so the column stores NULL.
func jsonOrNil(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return string(data)
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// serializeEmbedding formats a vector as pgvector's text literal.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deserializeEmbedding(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector element %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}
