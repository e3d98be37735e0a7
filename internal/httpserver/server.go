package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/amplifyworks/growth-engine/internal/auth"
	"github.com/amplifyworks/growth-engine/internal/config"
	"github.com/amplifyworks/growth-engine/internal/models"
	"github.com/amplifyworks/growth-engine/internal/service"
	"github.com/amplifyworks/growth-engine/internal/store"
	"github.com/amplifyworks/growth-engine/internal/viral"
)

type Server struct {
	cfg      config.Config
	svc      *service.Service
	tracker  *viral.Tracker
	store    store.Store
	verifier *auth.Verifier
}

func New(cfg config.Config, svc *service.Service, tracker *viral.Tracker, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{cfg: cfg, svc: svc, tracker: tracker, store: st, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/experiments", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/", s.handleCreateExperiment)
			r.Post("/{testID}/deactivate", s.handleDeactivate)
			r.Post("/{testID}/assign", s.handleAssign)
			r.Post("/{testID}/events", s.handleRecordEvent)
		})

		r.Get("/", s.handleListActive)
		r.Get("/{testID}", s.handleGetExperiment)
		r.Get("/{testID}/results", s.handleResults)
	})

	r.Route("/viral", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.writeAuth)
			r.Post("/shares", s.handleRecordShare)
		})

		r.Get("/analytics", s.handleAnalytics)
	})

	return r
}

func (s *Server) writeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.verifier.VerifyRequest(r); err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type createExperimentRequest struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Active              *bool               `json:"active"`
	StartAt             *time.Time          `json:"startAt"`
	EndAt               *time.Time          `json:"endAt"`
	Variants            []models.Variant    `json:"variants"`
	Targeting           *models.Targeting   `json:"targeting"`
	PrimaryMetric       string              `json:"primaryMetric"`
	SecondaryMetrics    []models.MetricKind `json:"secondaryMetrics"`
	MinimumSampleSize   int64               `json:"minimumSampleSize"`
	ConfidenceThreshold float64             `json:"confidenceThreshold"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := models.ExperimentConfig{
		ID:                  req.ID,
		Name:                req.Name,
		Active:              true,
		EndAt:               req.EndAt,
		Variants:            req.Variants,
		Targeting:           req.Targeting,
		PrimaryMetric:       models.MetricKind(req.PrimaryMetric),
		SecondaryMetrics:    req.SecondaryMetrics,
		MinimumSampleSize:   req.MinimumSampleSize,
		ConfidenceThreshold: req.ConfidenceThreshold,
	}
	if req.Active != nil {
		cfg.Active = *req.Active
	}
	if req.StartAt != nil {
		cfg.StartAt = *req.StartAt
	}
	created, err := s.svc.CreateExperiment(r.Context(), cfg)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.GetExperiment(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.ListActiveSummaries(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if summaries == nil {
		summaries = []models.ExperimentSummary{}
	}
	respondJSON(w, http.StatusOK, summaries)
}

type deactivateRequest struct {
	EndAt *time.Time `json:"endAt"`
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.svc.DeactivateExperiment(r.Context(), chi.URLParam(r, "testID"), req.EndAt)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type assignResponse struct {
	Assigned bool            `json:"assigned"`
	Variant  *models.Variant `json:"variant,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var actx models.AssignmentContext
	if err := decodeJSON(w, r, &actx); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	variant, err := s.svc.Assign(r.Context(), chi.URLParam(r, "testID"), actx)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assignResponse{Assigned: variant != nil, Variant: variant})
}

type recordEventRequest struct {
	VariantID string          `json:"variantId"`
	Kind      string          `json:"kind"`
	Segment   string          `json:"segment"`
	Channel   string          `json:"channel"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.svc.RecordEvent(r.Context(), chi.URLParam(r, "testID"), req.VariantID,
		models.EventKind(req.Kind), service.EventMeta{
			Segment:  req.Segment,
			Channel:  req.Channel,
			Metadata: req.Metadata,
		})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

type resultsResponse struct {
	Results         models.ExperimentResults `json:"results"`
	Recommendations []models.Recommendation  `json:"recommendations"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	cfg, err := s.svc.GetExperiment(r.Context(), testID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	results, err := s.svc.Results(r.Context(), testID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	recs := service.Recommendations(cfg, results)
	if recs == nil {
		recs = []models.Recommendation{}
	}
	respondJSON(w, http.StatusOK, resultsResponse{Results: results, Recommendations: recs})
}

type recordShareRequest struct {
	SessionID       string `json:"sessionId"`
	Channel         string `json:"channel"`
	ContentType     string `json:"contentType"`
	ContentID       string `json:"contentId"`
	Segment         string `json:"segment"`
	OriginShareID   string `json:"originShareId"`
	PriorViralLevel int    `json:"priorViralLevel"`
	TestID          string `json:"testId"`
	VariantID       string `json:"variantId"`
}

func (s *Server) handleRecordShare(w http.ResponseWriter, r *http.Request) {
	var req recordShareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	in := viral.RecordShareInput{
		SessionID:       req.SessionID,
		Channel:         req.Channel,
		ContentType:     req.ContentType,
		ContentID:       req.ContentID,
		Segment:         req.Segment,
		PriorViralLevel: req.PriorViralLevel,
		TestID:          req.TestID,
		VariantID:       req.VariantID,
	}
	if req.OriginShareID != "" {
		origin, err := uuid.Parse(req.OriginShareID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid originShareId")
			return
		}
		in.OriginShareID = &origin
	}
	record, err := s.tracker.RecordShare(r.Context(), in)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	analytics, err := s.tracker.Analytics(r.Context(), viral.Filters{
		Channel:     q.Get("channel"),
		ContentType: q.Get("contentType"),
		ContentID:   q.Get("contentId"),
		TestID:      q.Get("testId"),
	}, q.Get("window"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, analytics)
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":      verr.Error(),
			"violations": verr.Violations,
		})
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidEventKind):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return errEmptyBody
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
