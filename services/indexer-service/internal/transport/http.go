package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/services/indexer-service/internal/infrastructure/events"
	"github.com/soyaya/metagauge/services/indexer-service/internal/service"
	sharederrors "github.com/soyaya/metagauge/shared/errors"
	"github.com/soyaya/metagauge/shared/logging"
	"github.com/soyaya/metagauge/shared/metrics"
)

// Server exposes the indexer control surface: start/stop/status, the
// progress stream, and the health and metrics endpoints.
type Server struct {
	manager *service.Manager
	broker  *events.Broker
	health  *service.HealthMonitor
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewServer creates the HTTP server
func NewServer(manager *service.Manager, broker *events.Broker, health *service.HealthMonitor, m *metrics.Metrics, logger *logging.Logger) *Server {
	return &Server{
		manager: manager,
		broker:  broker,
		health:  health,
		metrics: m,
		logger:  logger,
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging.RequestIDMiddleware(s.logger))
	r.HandleFunc("/indexer/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/indexer/stop/{sessionId}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/indexer/status/{sessionId}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/indexer/sessions", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/indexer/stream/{sessionId}", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

type startRequest struct {
	UserID          string `json:"userId"`
	ContractAddress string `json:"contractAddress"`
	Chain           string `json:"chain"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, sharederrors.Internal("invalid request body"))
		return
	}
	if req.UserID == "" || req.ContractAddress == "" || req.Chain == "" {
		writeError(w, http.StatusBadRequest,
			sharederrors.Internal("userId, contractAddress and chain are required"))
		return
	}

	sessionID, err := s.manager.Start(r.Context(), req.UserID, req.ContractAddress, domain.ChainID(req.Chain))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: sessionID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if err := s.manager.Stop(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "sessionId": sessionID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	view, err := s.manager.Status(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, sharederrors.Internal("userId query parameter is required"))
		return
	}
	filter := domain.AnalysisFilter{Chain: domain.ChainID(r.URL.Query().Get("chain"))}
	views, err := s.manager.ListByUser(r.Context(), userID, filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.health.Snapshot(r.Context())
	status := http.StatusOK
	if snapshot.Status == service.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}

// statusFor maps taxonomy codes onto HTTP statuses
func statusFor(err error) int {
	switch sharederrors.CodeOf(err) {
	case sharederrors.CodeAlreadyRunning:
		return http.StatusConflict
	case sharederrors.CodeNotAContract:
		return http.StatusUnprocessableEntity
	case sharederrors.CodeStorageUnavailable, sharederrors.CodeNoHealthyEndpoint:
		return http.StatusServiceUnavailable
	case sharederrors.CodePermanentRpc:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	type errorBody struct {
		Error interface{} `json:"error"`
	}
	if typed, ok := err.(*sharederrors.Error); ok {
		writeJSON(w, status, errorBody{Error: typed})
		return
	}
	writeJSON(w, status, errorBody{Error: map[string]string{"message": err.Error()}})
}
