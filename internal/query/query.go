package query

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/orientlog/internal/ingestion"
	"github.com/orientlog/internal/models"
	"github.com/orientlog/internal/websocket"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
)

// Log is the read side of the reading log.
type Log interface {
	Tail(n int) ([]models.Reading, error)
	io.WriterTo
}

// StatsSource reports ingestion counters.
type StatsSource interface {
	Stats() ingestion.Stats
}

// Service serves the reading log over HTTP for dashboards.
type Service struct {
	log    Log
	stats  StatsSource
	wsHub  *websocket.Hub
	logger *zap.Logger
}

func New(log Log, stats StatsSource, hub *websocket.Hub, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{log: log, stats: stats, wsHub: hub, logger: logger.Named("query")}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/readings.csv", s.handleCSV)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/stats", s.handleStats)
	if s.wsHub != nil {
		mux.HandleFunc("/ws", s.wsHub.ServeWS)
	}
	return mux
}

// StartHTTP serves until ctx is done.
func (s *Service) StartHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http listening", zap.String("addr", addr), zap.Bool("websocket", s.wsHub != nil))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) handleCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	if _, err := s.log.WriteTo(w); err != nil {
		s.logger.Error("serve csv", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
	}
}

func (s *Service) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	readings, err := s.log.Tail(limit)
	if err != nil {
		s.logger.Error("tail log", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}
	s.writeJSON(w, readings)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.stats.Stats())
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(data, '\n'))
}
