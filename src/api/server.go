package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Moth-Balls/Hydro-Assist/src/report"
)

// Required are the quantities an external controller must send to /api/data.
var Required = []string{"ph", "ec"}

// History is the part of the history store the API needs.
type History interface {
	Append(report.Snapshot) error
	List() ([]report.Snapshot, error)
	Clear() error
}

type Server struct {
	latest   *report.Latest
	history  History
	gatherer prometheus.Gatherer
	now      func() time.Time
	srv      *http.Server
}

// New builds the server for addr. Shutdown may be called from another goroutine
// at any time, also before Start.
func New(addr string, latest *report.Latest, history History, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		latest:   latest,
		history:  history,
		gatherer: gatherer,
		now:      time.Now,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route table. CORS headers are added outside the router so
// that 404 and 405 responses carry them too.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	sr := r.PathPrefix("/api").Subrouter()
	sr.HandleFunc("/data", s.getData).Methods("GET")
	sr.HandleFunc("/data", s.postData).Methods("POST")
	sr.HandleFunc("/history", s.getHistory).Methods("GET")
	sr.HandleFunc("/clear-history", s.clearHistory).Methods("POST")

	r.HandleFunc("/health", s.health).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return cors(r)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.WithFields(log.Fields{
		"ADDR": s.srv.Addr,
	}).Info("api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.latest.Get())
}

func (s *Server) postData(w http.ResponseWriter, r *http.Request) {
	var payload map[string]*float32
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	values := make(map[string]float32, len(Required))
	for _, name := range Required {
		v, ok := payload[name]
		if !ok || v == nil {
			writeError(w, http.StatusBadRequest, "Missing pH or EC value")
			return
		}
		values[name] = *v
	}

	snap := report.Snapshot{Values: values, Timestamp: s.now()}
	s.latest.Merge(snap)
	if err := s.history.Append(snap); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.WithFields(log.Fields{
		"PH": values["ph"],
		"EC": values["ec"],
	}).Info("received reading")

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Data received",
		"data":    snap,
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []report.Snapshot{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "History cleared",
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{
			"ERROR": err,
		}).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
