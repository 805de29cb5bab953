// Package sqlite implements strand.Store using pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required. Suited to
// single-node deployments and tests; store/postgres is the production
// backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/strandlabs/strand"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store implements strand.Store backed by a local SQLite file. Embeddings
// are stored as JSON text and vector search runs in-process with cosine
// similarity.
type Store struct {
	db *sql.DB

	// mu serializes append and claim sections; the single connection
	// prevents SQLITE_BUSY but not interleaved read-modify-write.
	mu sync.Mutex
}

var _ strand.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath. All goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors from
// concurrent writers.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			backend_key TEXT NOT NULL DEFAULT '',
			model_params TEXT,
			tools TEXT,
			memory_recall INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
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
			pending_tool_request TEXT,
			waiting_for TEXT NOT NULL DEFAULT '',
			client_tools TEXT,
			system_prompt_snapshot TEXT NOT NULL DEFAULT '',
			model_config_snapshot TEXT,
			document_ids TEXT,
			cancelled_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			images TEXT,
			created_at INTEGER NOT NULL,
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
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_stages (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			start_offset INTEGER NOT NULL DEFAULT 0,
			end_offset INTEGER NOT NULL DEFAULT 0,
			section_title TEXT NOT NULL DEFAULT '',
			chunk_type TEXT NOT NULL DEFAULT 'text',
			embedding TEXT,
			embedding_model TEXT NOT NULL DEFAULT '',
			embedding_generated_at INTEGER NOT NULL DEFAULT 0,
			sparse_vector TEXT,
			content_hash TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS document_chunks_document_idx ON document_chunks(document_id, chunk_index)`,
		`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			embedding TEXT,
			embedding_model TEXT NOT NULL DEFAULT '',
			sparse_vector TEXT,
			content_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT NOT NULL,
			embedding_model TEXT NOT NULL,
			embedding TEXT,
			created_at INTEGER NOT NULL,
			UNIQUE(content_hash, embedding_model)
		)`,
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
			summarized_message_ids TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fetched_pages (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			document_id TEXT NOT NULL DEFAULT '',
			fetched_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, a *strand.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, instructions, backend_key, model_params, tools, memory_recall, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Instructions, a.BackendKey,
		jsonOrNil(a.ModelParams), jsonOrNil(a.Tools), boolInt(a.MemoryRecall), jsonOrNil(a.Metadata), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create agent: %w", err)
	}
	return nil
}

func (s *Store) Agent(ctx context.Context, id string) (*strand.Agent, error) {
	var a strand.Agent
	var params, tools, meta sql.NullString
	var recall int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, instructions, backend_key, model_params, tools, memory_recall, metadata, created_at
		 FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Instructions, &a.BackendKey, &params, &tools, &recall, &meta, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent %s: %w", id, err)
	}
	a.MemoryRecall = recall != 0
	unmarshalIf(params, &a.ModelParams)
	unmarshalIf(tools, &a.Tools)
	unmarshalIf(meta, &a.Metadata)
	return &a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, a *strand.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, instructions = ?, backend_key = ?, model_params = ?, tools = ?, memory_recall = ?, metadata = ?
		 WHERE id = ?`,
		a.Name, a.Instructions, a.BackendKey,
		jsonOrNil(a.ModelParams), jsonOrNil(a.Tools), boolInt(a.MemoryRecall), jsonOrNil(a.Metadata), a.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update agent: %w", err)
	}
	return nil
}

// SetAgentMetadata writes one metadata key under the store lock.
func (s *Store) SetAgentMetadata(ctx context.Context, agentID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.Agent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("sqlite: set agent metadata: %w", err)
	}
	if agent.Metadata == nil {
		agent.Metadata = map[string]string{}
	}
	agent.Metadata[key] = value
	_, err = s.db.ExecContext(ctx, `UPDATE agents SET metadata = ? WHERE id = ?`,
		jsonOrNil(agent.Metadata), agentID)
	if err != nil {
		return fmt.Errorf("sqlite: set agent metadata: %w", err)
	}
	return nil
}

// --- Conversations ---

const conversationCols = `id, user_id, agent_id, status, turn_count, request_turn_count, max_turns,
	tokens_prompt, tokens_completion, pending_tool_request, waiting_for, client_tools,
	system_prompt_snapshot, model_config_snapshot, document_ids, cancelled_at, created_at, updated_at`

func (s *Store) CreateConversation(ctx context.Context, c *strand.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.AgentID, string(c.Status), c.TurnCount, c.RequestTurnCount, c.MaxTurns,
		c.PromptTokens, c.CompletionTokens, jsonOrNil(c.PendingToolRequest), c.WaitingFor,
		jsonOrNil(c.ClientTools), c.SystemPromptSnapshot, rawOrNil(c.ConfigSnapshot),
		jsonOrNil(c.DocumentIDs), c.CancelledAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create conversation: %w", err)
	}
	return nil
}

func (s *Store) Conversation(ctx context.Context, id string) (*strand.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) UpdateConversation(ctx context.Context, c *strand.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, turn_count = ?, request_turn_count = ?, max_turns = ?,
		   tokens_prompt = ?, tokens_completion = ?, pending_tool_request = ?, waiting_for = ?,
		   client_tools = ?, system_prompt_snapshot = ?, model_config_snapshot = ?,
		   document_ids = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(c.Status), c.TurnCount, c.RequestTurnCount, c.MaxTurns,
		c.PromptTokens, c.CompletionTokens, jsonOrNil(c.PendingToolRequest), c.WaitingFor,
		jsonOrNil(c.ClientTools), c.SystemPromptSnapshot, rawOrNil(c.ConfigSnapshot),
		jsonOrNil(c.DocumentIDs), c.CancelledAt, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update conversation: %w", err)
	}
	return nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]strand.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []strand.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
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
	var pending, clientTools, snapshot, docIDs sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &status, &c.TurnCount, &c.RequestTurnCount, &c.MaxTurns,
		&c.PromptTokens, &c.CompletionTokens, &pending, &c.WaitingFor, &clientTools,
		&c.SystemPromptSnapshot, &snapshot, &docIDs, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = strand.ConversationStatus(status)
	unmarshalIf(pending, &c.PendingToolRequest)
	unmarshalIf(clientTools, &c.ClientTools)
	if snapshot.Valid {
		c.ConfigSnapshot = json.RawMessage(snapshot.String)
	}
	unmarshalIf(docIDs, &c.DocumentIDs)
	return &c, nil
}

// --- Messages ---

// AppendMessage assigns the next position under the store lock and inserts
// the message. The assigned position is written back to m.
func (s *Store) AppendMessage(ctx context.Context, m *strand.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE conversation_id = ?`,
		m.ConversationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("sqlite: append message: next position: %w", err)
	}
	m.Position = next

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, position, role, content, tool_calls, tool_call_id,
		   tool_name, thinking, token_count, images, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Position, m.Role, m.Content, jsonOrNil(m.ToolCalls),
		m.ToolCallID, m.ToolName, m.Thinking, m.TokenCount, jsonOrNil(m.Images), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: append message: %w", err)
	}
	return nil
}

const messageCols = `id, conversation_id, position, role, content, tool_calls, tool_call_id,
	tool_name, thinking, token_count, images, created_at`

func (s *Store) Messages(ctx context.Context, conversationID string) ([]strand.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? ORDER BY position`,
		conversationID)
}

func (s *Store) MessagesAfter(ctx context.Context, conversationID string, after int) ([]strand.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? AND position > ? ORDER BY position`,
		conversationID, after)
}

func (s *Store) queryMessages(ctx context.Context, q string, args ...any) ([]strand.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query messages: %w", err)
	}
	defer rows.Close()

	var out []strand.Message
	for rows.Next() {
		var m strand.Message
		var toolCalls, images sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Position, &m.Role, &m.Content, &toolCalls,
			&m.ToolCallID, &m.ToolName, &m.Thinking, &m.TokenCount, &images, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		unmarshalIf(toolCalls, &m.ToolCalls)
		unmarshalIf(images, &m.Images)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Documents ---

func (s *Store) CreateDocument(ctx context.Context, d *strand.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, title, source, mime_type, content, status, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.Title, d.Source, d.MimeType, d.Content, d.Status, jsonOrNil(d.Metadata), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: create document: %w", err)
	}
	return nil
}

func (s *Store) Document(ctx context.Context, id string) (*strand.Document, error) {
	var d strand.Document
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, source, mime_type, content, status, metadata, created_at
		 FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.UserID, &d.Title, &d.Source, &d.MimeType, &d.Content, &d.Status, &meta, &d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get document %s: %w", id, err)
	}
	unmarshalIf(meta, &d.Metadata)
	return &d, nil
}

func (s *Store) UpdateDocument(ctx context.Context, d *strand.Document) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, source = ?, mime_type = ?, content = ?, status = ?, metadata = ?
		 WHERE id = ?`,
		d.Title, d.Source, d.MimeType, d.Content, d.Status, jsonOrNil(d.Metadata), d.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update document: %w", err)
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, userID string) ([]strand.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, source, mime_type, content, status, metadata, created_at
		 FROM documents WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list documents: %w", err)
	}
	defer rows.Close()

	var out []strand.Document
	for rows.Next() {
		var d strand.Document
		var meta sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Source, &d.MimeType, &d.Content, &d.Status, &meta, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		unmarshalIf(meta, &d.Metadata)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) AppendStage(ctx context.Context, st *strand.DocumentStage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_stages (id, document_id, stage, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.DocumentID, st.Stage, st.Content, jsonOrNil(st.Metadata), st.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: append stage: %w", err)
	}
	return nil
}

func (s *Store) Stages(ctx context.Context, documentID string) ([]strand.DocumentStage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, stage, content, metadata, created_at
		 FROM document_stages WHERE document_id = ? ORDER BY created_at, rowid`, documentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get stages: %w", err)
	}
	defer rows.Close()

	var out []strand.DocumentStage
	for rows.Next() {
		var st strand.DocumentStage
		var meta sql.NullString
		if err := rows.Scan(&st.ID, &st.DocumentID, &st.Stage, &st.Content, &meta, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan stage: %w", err)
		}
		unmarshalIf(meta, &st.Metadata)
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Chunks ---

func (s *Store) UpsertChunks(ctx context.Context, chunks []strand.DocumentChunk) error {
	for _, c := range chunks {
		var emb any
		if len(c.Embedding) > 0 {
			emb = serializeEmbedding(c.Embedding)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO document_chunks (id, document_id, chunk_index, content, token_count,
			   start_offset, end_offset, section_title, chunk_type, embedding, embedding_model,
			   embedding_generated_at, sparse_vector, content_hash, language)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(document_id, chunk_index) DO UPDATE SET
			   content = excluded.content,
			   token_count = excluded.token_count,
			   start_offset = excluded.start_offset,
			   end_offset = excluded.end_offset,
			   section_title = excluded.section_title,
			   chunk_type = excluded.chunk_type,
			   embedding = excluded.embedding,
			   embedding_model = excluded.embedding_model,
			   embedding_generated_at = excluded.embedding_generated_at,
			   sparse_vector = excluded.sparse_vector,
			   content_hash = excluded.content_hash,
			   language = excluded.language`,
			c.ID, c.DocumentID, c.ChunkIndex, c.Content, c.TokenCount,
			c.StartOffset, c.EndOffset, c.SectionTitle, c.ChunkType, emb, c.EmbeddingModel,
			c.EmbeddingGeneratedAt, jsonOrNil(c.SparseVector), c.ContentHash, c.Language)
		if err != nil {
			return fmt.Errorf("sqlite: upsert chunk: %w", err)
		}
	}
	return nil
}

const chunkCols = `id, document_id, chunk_index, content, token_count, start_offset, end_offset,
	section_title, chunk_type, embedding, embedding_model, embedding_generated_at, sparse_vector, content_hash, language`

func (s *Store) Chunks(ctx context.Context, documentID string) ([]strand.DocumentChunk, error) {
	return s.queryChunks(ctx,
		`SELECT `+chunkCols+` FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`,
		documentID)
}

func (s *Store) queryChunks(ctx context.Context, q string, args ...any) ([]strand.DocumentChunk, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query chunks: %w", err)
	}
	defer rows.Close()

	var out []strand.DocumentChunk
	for rows.Next() {
		var c strand.DocumentChunk
		var emb, sparse sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount,
			&c.StartOffset, &c.EndOffset, &c.SectionTitle, &c.ChunkType, &emb, &c.EmbeddingModel,
			&c.EmbeddingGeneratedAt, &sparse, &c.ContentHash, &c.Language); err != nil {
			return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
		}
		if emb.Valid {
			vec, err := deserializeEmbedding(emb.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: chunk embedding: %w", err)
			}
			c.Embedding = vec
		}
		unmarshalIf(sparse, &c.SparseVector)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchChunksDense brute-forces cosine similarity in process. Acceptable
// for single-node corpora; store/postgres carries the HNSW path.
func (s *Store) SearchChunksDense(ctx context.Context, embedding []float32, documentIDs []string, topK int, threshold float64) ([]strand.ScoredChunk, error) {
	chunks, err := s.chunksInScope(ctx, documentIDs, true)
	if err != nil {
		return nil, err
	}
	var hits []strand.ScoredChunk
	for _, c := range chunks {
		score := cosine(embedding, c.Embedding)
		if score >= threshold {
			hits = append(hits, strand.ScoredChunk{Chunk: c, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// SearchChunksKeyword scores chunks by their stored sparse vectors against
// the query terms.
func (s *Store) SearchChunksKeyword(ctx context.Context, query string, documentIDs []string, topK int) ([]strand.ScoredChunk, error) {
	chunks, err := s.chunksInScope(ctx, documentIDs, false)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var hits []strand.ScoredChunk
	for _, c := range chunks {
		var score float64
		for _, t := range terms {
			score += float64(c.SparseVector[t])
		}
		if score > 0 {
			hits = append(hits, strand.ScoredChunk{Chunk: c, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Store) chunksInScope(ctx context.Context, documentIDs []string, embeddedOnly bool) ([]strand.DocumentChunk, error) {
	q := `SELECT ` + chunkCols + ` FROM document_chunks`
	var clauses []string
	var args []any
	if embeddedOnly {
		clauses = append(clauses, "embedding IS NOT NULL")
	}
	if len(documentIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(documentIDs)), ",")
		clauses = append(clauses, "document_id IN ("+placeholders+")")
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	return s.queryChunks(ctx, q, args...)
}

// --- Message embeddings ---

func (s *Store) UpsertMessageEmbedding(ctx context.Context, e *strand.MessageEmbedding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_embeddings (message_id, conversation_id, embedding, embedding_model, sparse_vector, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
		   embedding = excluded.embedding,
		   embedding_model = excluded.embedding_model,
		   sparse_vector = excluded.sparse_vector,
		   content_hash = excluded.content_hash`,
		e.MessageID, e.ConversationID, serializeEmbedding(e.Embedding), e.EmbeddingModel,
		jsonOrNil(e.SparseVector), e.ContentHash, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert message embedding: %w", err)
	}
	return nil
}

func (s *Store) SearchMessagesDense(ctx context.Context, embedding []float32, conversationIDs []string, topK int, threshold float64) ([]strand.ScoredMessage, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(conversationIDs)), ",")
	args := make([]any, len(conversationIDs))
	for i, id := range conversationIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.position, m.role, m.content, m.created_at, e.embedding
		 FROM message_embeddings e JOIN messages m ON m.id = e.message_id
		 WHERE e.embedding IS NOT NULL AND e.conversation_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dense message search: %w", err)
	}
	defer rows.Close()

	var hits []strand.ScoredMessage
	for rows.Next() {
		var m strand.Message
		var embStr string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Position, &m.Role, &m.Content, &m.CreatedAt, &embStr); err != nil {
			return nil, fmt.Errorf("sqlite: scan scored message: %w", err)
		}
		vec, err := deserializeEmbedding(embStr)
		if err != nil {
			return nil, fmt.Errorf("sqlite: message embedding: %w", err)
		}
		score := cosine(embedding, vec)
		if score >= threshold {
			hits = append(hits, strand.ScoredMessage{Message: m, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *Store) SearchMessagesKeyword(ctx context.Context, query string, conversationIDs []string, topK int) ([]strand.ScoredMessage, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(conversationIDs)), ",")
	args := make([]any, 0, len(conversationIDs)+len(terms))
	for _, id := range conversationIDs {
		args = append(args, id)
	}
	var likes []string
	for _, t := range terms {
		likes = append(likes, "content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, position, role, content, created_at
		 FROM messages
		 WHERE conversation_id IN (`+placeholders+`) AND role IN ('user', 'assistant')
		   AND (`+strings.Join(likes, " OR ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: keyword message search: %w", err)
	}
	defer rows.Close()

	var hits []strand.ScoredMessage
	for rows.Next() {
		var m strand.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Position, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		lower := strings.ToLower(m.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched++
			}
		}
		hits = append(hits, strand.ScoredMessage{Message: m, Score: float64(matched) / float64(len(terms))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// --- Embedding cache ---

func (s *Store) CachedEmbedding(ctx context.Context, contentHash, model string) ([]float32, bool, error) {
	var embStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM embedding_cache WHERE content_hash = ? AND embedding_model = ?`,
		contentHash, model).Scan(&embStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: cached embedding: %w", err)
	}
	vec, err := deserializeEmbedding(embStr)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: cached embedding: %w", err)
	}
	return vec, true, nil
}

func (s *Store) PutEmbedding(ctx context.Context, e *strand.EmbeddingCacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_cache (content_hash, embedding_model, embedding, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(content_hash, embedding_model) DO UPDATE SET embedding = excluded.embedding`,
		e.ContentHash, e.EmbeddingModel, serializeEmbedding(e.Embedding), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: put embedding: %w", err)
	}
	return nil
}

// --- Summaries ---

func (s *Store) ClaimSummaryRange(ctx context.Context, sum *strand.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overlapping int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_summaries
		 WHERE conversation_id = ? AND status != 'failed'
		   AND from_position <= ? AND to_position >= ?`,
		sum.ConversationID, sum.ToPosition, sum.FromPosition).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("sqlite: claim summary: overlap check: %w", err)
	}
	if overlapping > 0 {
		return fmt.Errorf("sqlite: claim summary: range [%d, %d] overlaps an existing summary",
			sum.FromPosition, sum.ToPosition)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_summaries (id, conversation_id, from_position, to_position, status,
		   content, token_count, original_token_count, backend_used, model_used,
		   summarized_message_ids, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.ConversationID, sum.FromPosition, sum.ToPosition, sum.Status,
		sum.Content, sum.TokenCount, sum.OriginalTokenCount, sum.BackendUsed, sum.ModelUsed,
		jsonOrNil(sum.SummarizedMessageIDs), sum.CreatedAt, sum.CompletedAt)
	if err != nil {
		return fmt.Errorf("sqlite: claim summary: %w", err)
	}
	return nil
}

const summaryCols = `id, conversation_id, from_position, to_position, status, content, token_count,
	original_token_count, backend_used, model_used, summarized_message_ids, created_at, completed_at`

func (s *Store) Summary(ctx context.Context, id string) (*strand.ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryCols+` FROM conversation_summaries WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get summary %s: %w", id, err)
	}
	return sum, nil
}

func (s *Store) UpdateSummary(ctx context.Context, sum *strand.ConversationSummary) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_summaries SET status = ?, content = ?, token_count = ?,
		   original_token_count = ?, backend_used = ?, model_used = ?,
		   summarized_message_ids = ?, completed_at = ?
		 WHERE id = ?`,
		sum.Status, sum.Content, sum.TokenCount,
		sum.OriginalTokenCount, sum.BackendUsed, sum.ModelUsed,
		jsonOrNil(sum.SummarizedMessageIDs), sum.CompletedAt, sum.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update summary: %w", err)
	}
	return nil
}

func (s *Store) CompletedSummaries(ctx context.Context, conversationID string) ([]strand.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+summaryCols+` FROM conversation_summaries
		 WHERE conversation_id = ? AND status = 'completed'
		 ORDER BY from_position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: completed summaries: %w", err)
	}
	defer rows.Close()

	var out []strand.ConversationSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan summary: %w", err)
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (*strand.ConversationSummary, error) {
	var sum strand.ConversationSummary
	var ids sql.NullString
	err := row.Scan(&sum.ID, &sum.ConversationID, &sum.FromPosition, &sum.ToPosition, &sum.Status,
		&sum.Content, &sum.TokenCount, &sum.OriginalTokenCount, &sum.BackendUsed, &sum.ModelUsed,
		&ids, &sum.CreatedAt, &sum.CompletedAt)
	if err != nil {
		return nil, err
	}
	unmarshalIf(ids, &sum.SummarizedMessageIDs)
	return &sum, nil
}

// --- Fetched pages ---

func (s *Store) SavePage(ctx context.Context, p *strand.FetchedPage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetched_pages (id, url, title, content, document_id, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   url = excluded.url, title = excluded.title, content = excluded.content,
		   document_id = excluded.document_id, fetched_at = excluded.fetched_at`,
		p.ID, p.URL, p.Title, p.Content, p.DocumentID, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("sqlite: save page: %w", err)
	}
	return nil
}

func (s *Store) Page(ctx context.Context, id string) (*strand.FetchedPage, error) {
	var p strand.FetchedPage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, content, document_id, fetched_at FROM fetched_pages WHERE id = ?`, id,
	).Scan(&p.ID, &p.URL, &p.Title, &p.Content, &p.DocumentID, &p.FetchedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get page %s: %w", id, err)
	}
	return &p, nil
}

// --- Helpers ---

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

func unmarshalIf[T any](ns sql.NullString, dst *T) {
	if ns.Valid && ns.String != "" {
		_ = json.Unmarshal([]byte(ns.String), dst)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// serializeEmbedding stores a vector as a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// queryTerms lowercases and splits a query for keyword scoring.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
