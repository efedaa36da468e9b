package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/transcript"
)

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string         `json:"content"`
		Type     string         `json:"type"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	node, err := s.engine.Store(r.Context(), req.Content, req.Type, req.Metadata)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	node, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleRelevance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score *float64 `json:"score"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Score == nil {
		writeError(w, http.StatusBadRequest, "score required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.engine.UpdateRelevance(r.Context(), id, *req.Score); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "score": *req.Score})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
		Rel  string `json:"rel"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.From == "" || req.To == "" || req.Rel == "" {
		writeError(w, http.StatusBadRequest, "from, to and rel required")
		return
	}

	if err := s.engine.Link(r.Context(), req.From, req.To, req.Rel); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

type queryRequest struct {
	Query string `json:"query"`
	engine.QueryOptions
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.engine.Query(r.Context(), req.Query, req.QueryOptions)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEvolve(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Evolve(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Aggressive bool `json:"aggressive"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.engine.Compact(r.Context(), req.Aggressive)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Turns    []transcript.Turn `json:"turns"`
		Condense bool              `json:"condense"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	turns := req.Turns
	if req.Condense {
		turns = transcript.Condense(turns)
	}
	res, err := s.engine.SaveState(r.Context(), turns)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.ExportForVisualization(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}
