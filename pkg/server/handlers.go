package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/chronicle/pkg/api"
	"github.com/Mindburn-Labs/chronicle/pkg/chronicle"
	"github.com/Mindburn-Labs/chronicle/pkg/tracker"
)

const rootVertex = "◼DOJO"

type serviceInfo struct {
	Service   string `json:"service"`
	Status    string `json:"status"`
	Port      string `json:"port"`
	Vertex    string `json:"vertex"`
	Chronicle string `json:"chronicle"`
	Intake    string `json:"intake"`
}

type eventsResponse struct {
	TotalEvents int               `json:"total_events"`
	Events      []chronicle.Event `json:"events"`
}

type stageRequest struct {
	Stage  chronicle.Stage `json:"stage"`
	Action string          `json:"action"`
	Data   map[string]any  `json:"data"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, serviceInfo{
		Service:   ServiceName,
		Status:    "operational",
		Port:      s.cfg.Port,
		Vertex:    rootVertex,
		Chronicle: s.store.Path(),
		Intake:    s.cfg.IntakeLocation,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			api.WriteRequestTooLarge(w, s.cfg.MaxUploadBytes)
		case errors.Is(err, http.ErrMissingFile):
			api.WriteBadRequest(w, "multipart field \"file\" is required")
		default:
			api.WriteBadRequest(w, fmt.Sprintf("invalid multipart upload: %v", err))
		}
		return
	}
	defer func() { _ = file.Close() }()
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	data, err := io.ReadAll(file)
	if err != nil {
		api.WriteInternalDetail(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	res, err := s.tracker.RecordIntake(r.Context(), tracker.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		s.logger.ErrorContext(r.Context(), "intake failed", "filename", header.Filename, "error", err)
		api.WriteInternalDetail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// caseError maps tracker errors onto problem details.
func (s *Server) caseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tracker.ErrCaseNotFound):
		api.WriteNotFound(w, "Case not found")
	case errors.Is(err, tracker.ErrInvalidTransition):
		api.WriteConflict(w, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "case request failed", "path", r.URL.Path, "error", err)
		api.WriteInternal(w, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.tracker.Status(r.Context(), r.PathValue("case_id"))
	if err != nil {
		s.caseError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.tracker.Result(r.Context(), r.PathValue("case_id"))
	if err != nil {
		s.caseError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRecentLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	events, _, err := s.store.ReadRecent(r.Context(), limit)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, eventsResponse{TotalEvents: len(events), Events: events})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	filter, err := s.filters.Compile(r.URL.Query().Get("filter"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	events, _, err := s.store.Query(r.Context(), filter.Match)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []chronicle.Event{}
	}
	api.WriteJSON(w, http.StatusOK, eventsResponse{TotalEvents: len(events), Events: events})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		api.WriteBadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if req.Stage == "" {
		api.WriteBadRequest(w, "stage is required")
		return
	}

	st, err := s.tracker.Advance(r.Context(), r.PathValue("case_id"), req.Stage, req.Action, req.Data)
	if err != nil {
		s.caseError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	ids, err := s.tracker.Cases(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	api.WriteJSON(w, http.StatusOK, map[string][]string{"cases": ids})
}
