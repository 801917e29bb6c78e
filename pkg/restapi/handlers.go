package restapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relaybus/relaybus/pkg/bus"
)

type handlers struct {
	manager *bus.Manager
	metrics *bus.MetricsRegistry
}

type createTopicRequest struct {
	Name string `json:"name"`
}

type topicSummary struct {
	Name  string       `json:"name"`
	Stats bus.TopicStats `json:"stats"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// health reports 200 while the manager is accepting work and 503 while a
// shutdown is in progress, per §4.9/§6.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, string(bus.CodeShuttingDown), "shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) createTopic(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, string(bus.CodeShuttingDown), "shutting down")
		return
	}

	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(bus.CodeInvalidJSON), err.Error())
		return
	}

	topic, created, err := h.manager.Create(req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(bus.CodeValidationError), err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, topicSummary{Name: topic.Name(), Stats: topic.Stats()})
}

func (h *handlers) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if h.manager.IsShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, string(bus.CodeShuttingDown), "shutting down")
		return
	}

	name := chi.URLParam(r, "name")
	if err := h.manager.Delete(r.Context(), name); err != nil {
		writeError(w, http.StatusNotFound, string(bus.CodeTopicNotFound), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.manager.List()
	out := make([]topicSummary, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicSummary{Name: t.Name(), Stats: t.Stats()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) topicStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	topic, ok := h.manager.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, string(bus.CodeTopicNotFound), "topic not found")
		return
	}
	writeJSON(w, http.StatusOK, topic.Stats())
}

func (h *handlers) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}
