// Package server exposes the conversation API over REST plus SSE.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strandlabs/strand"
)

// DefaultHeartbeat is the maximum idle gap on an SSE stream.
const DefaultHeartbeat = 15 * time.Second

// padSize is the size of the initial SSE padding comment. Some proxies
// buffer small responses; 2KB of comment forces an early flush.
const padSize = 2048

// Server handles the client-facing HTTP API.
type Server struct {
	log       *slog.Logger
	engine    *strand.Engine
	store     strand.Store
	bus       *strand.Broadcaster
	heartbeat time.Duration
}

type Option func(*Server)

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func New(engine *strand.Engine, store strand.Store, bus *strand.Broadcaster, opts ...Option) *Server {
	s := &Server{
		log:       slog.New(slog.DiscardHandler),
		engine:    engine,
		store:     store,
		bus:       bus,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/conversations", s.createConversation)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Post("/messages", s.postMessage)
		r.Get("/messages", s.listMessages)
		r.Get("/stream", s.stream)
		r.Post("/tools/{tool_call_id}/result", s.toolResult)
		r.Post("/cancel", s.cancel)
	})
	return r
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      string                  `json:"user_id"`
		AgentID     string                  `json:"agent_id"`
		ClientTools []strand.ToolDefinition `json:"client_tools"`
		DocumentIDs []string                `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.UserID == "" || body.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and agent_id are required"))
		return
	}

	conv, err := s.engine.CreateConversation(r.Context(), body.UserID, body.AgentID, body.ClientTools, body.DocumentIDs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	var body struct {
		Content string             `json:"content"`
		Images  []strand.ImageData `json:"images"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if strings.TrimSpace(body.Content) == "" && len(body.Images) == 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	msg, err := s.engine.PostUserMessage(r.Context(), conversationID, body.Content, body.Images)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var msgs []strand.Message
	var err error
	if after := r.URL.Query().Get("after"); after != "" {
		pos, perr := strconv.Atoi(after)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after position %q", after))
			return
		}
		msgs, err = s.store.MessagesAfter(r.Context(), conversationID, pos)
	} else {
		msgs, err = s.store.Messages(r.Context(), conversationID)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []strand.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) toolResult(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	toolCallID := chi.URLParam(r, "tool_call_id")

	var body struct {
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	result := strand.ToolResult{Content: body.Output, Error: body.Error}
	if err := s.engine.SubmitToolResult(r.Context(), conversationID, toolCallID, result); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), conversationID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream is the SSE subscription. It joins at "now": no replay, clients
// catch up via the messages endpoint.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := s.store.Conversation(r.Context(), conversationID); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=UTF-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Padding comment to defeat proxy buffering.
	fmt.Fprintf(w, ": %s\n\n", strings.Repeat(" ", padSize))
	flusher.Flush()

	sub := s.bus.Subscribe(conversationID)
	defer s.bus.Unsubscribe(conversationID, sub)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				// Disconnected for falling behind.
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(s.heartbeat)
		}
	}
}

// writeEvent emits one event in the "event: name\ndata: json\n\n" frame.
func writeEvent(w http.ResponseWriter, ev strand.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Warn("server: request failed", "status", status, "error", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
