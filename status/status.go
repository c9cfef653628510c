// Package status exposes an aggregate health/status view of the
// pipeline's moving parts over plain-JSON HTTP endpoints, following
// the mux-registered handler shape of the teacher's monitor HTTP
// surface without its protojson wire format — this pipeline has no
// protobuf schema to marshal against.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/lacechat/automessage/consumer"
	"github.com/lacechat/automessage/cronsched"
)

// BrokerStatus reports the broker's last-known connection state.
type BrokerStatus struct {
	Connected bool `json:"connected"`
}

// View is the aggregate status document served at /statusz.
type View struct {
	Scheduler cronsched.Status `json:"scheduler"`
	Consumer  consumer.Stats   `json:"consumer"`
	Broker    BrokerStatus     `json:"broker"`
}

// BrokerChecker reports whether the broker connection is currently
// active. Satisfied by broker.Broker.
type BrokerChecker interface {
	IsConnectionActive() bool
}

// Handler serves the pipeline's health and status endpoints.
type Handler struct {
	scheduler *cronsched.Scheduler
	consumer  *consumer.Consumer
	broker    BrokerChecker
	mux       *http.ServeMux
}

// New builds a status Handler over the running scheduler, consumer,
// and broker.
func New(scheduler *cronsched.Scheduler, c *consumer.Consumer, b BrokerChecker) *Handler {
	h := &Handler{scheduler: scheduler, consumer: c, broker: b, mux: http.NewServeMux()}
	h.mux.HandleFunc("/healthz", h.handleHealthz)
	h.mux.HandleFunc("/statusz", h.handleStatusz)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleHealthz reports liveness: the process is up and the broker
// connection is active. It never inspects scheduler or consumer
// counters — that finer-grained detail lives at /statusz.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !h.broker.IsConnectionActive() {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatusz reports the full aggregate view: per-task scheduler
// status, consumer processing statistics, and broker connectivity.
func (h *Handler) handleStatusz(w http.ResponseWriter, r *http.Request) {
	view := View{
		Scheduler: h.scheduler.Status(),
		Consumer:  h.consumer.GetStats(),
		Broker:    BrokerStatus{Connected: h.broker.IsConnectionActive()},
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
