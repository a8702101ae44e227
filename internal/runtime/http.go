package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voicerelay/internal/synth"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /engines", r.handleEngines)
	mux.HandleFunc("POST /engines/{tag}/reinit", r.handleReinit)
	mux.HandleFunc("GET /guilds/{guild}/utterances", r.handleUtterances)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.store != nil {
		if err := r.store.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	if r.bot != nil && !r.bot.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("gateway disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) handleEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.engines.registry.Statuses())
}

func (r *Runtime) handleReinit(w http.ResponseWriter, req *http.Request) {
	tag := req.PathValue("tag")
	err := r.engines.registry.Reinit(tag)
	switch {
	case errors.Is(err, synth.ErrUnknownEngine):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, synth.ErrInitInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		r.logger.Info("engine reinitialized", slog.String("engine", tag))
		w.WriteHeader(http.StatusAccepted)
	}
}

func (r *Runtime) handleUtterances(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := r.store.ListUtterances(req.Context(), req.PathValue("guild"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type utterance struct {
		RequestID string `json:"request_id"`
		AuthorID  string `json:"author_id"`
		Engine    string `json:"engine"`
		Voice     string `json:"voice"`
		Status    string `json:"status"`
		Error     string `json:"error,omitempty"`
		Chars     int    `json:"chars"`
		LatencyMS int64  `json:"latency_ms"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]utterance, 0, len(rows))
	for _, u := range rows {
		out = append(out, utterance{
			RequestID: u.RequestID,
			AuthorID:  u.AuthorID,
			Engine:    u.Engine,
			Voice:     u.Voice,
			Status:    u.Status,
			Error:     u.Error,
			Chars:     u.Chars,
			LatencyMS: u.Latency.Milliseconds(),
			CreatedAt: u.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
