package rpcserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AfonsoRibeiro/locuscert/internal/brb"
	"github.com/AfonsoRibeiro/locuscert/internal/keys"
)

// StatusServer is the ambient HTTP surface a replica exposes alongside its
// framed TCP admission port: health, Prometheus metrics, and a read-only
// replica summary. It never exposes submit_report/obtain_report/etc — those
// only travel over the sealed-envelope TCP protocol in server.go.
//
// Grounded on internal/api/server.go's mux.NewRouter() plus
// handler-per-endpoint layout, generalised from the teacher's tenant REST
// surface to a fixed observability surface.
type StatusServer struct {
	self  keys.ReplicaID
	brb   *brb.Core
	roles []keys.ReplicaID
}

// NewStatusServer builds a StatusServer.
func NewStatusServer(self keys.ReplicaID, core *brb.Core, replicas []keys.ReplicaID) *StatusServer {
	return &StatusServer{self: self, brb: core, roles: replicas}
}

// Start blocks serving HTTP on addr.
func (s *StatusServer) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	slog.Info("rpcserver: status surface listening", "addr", addr)
	return http.ListenAndServe(addr, r)
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := struct {
		Self     string   `json:"self"`
		Quorum   int      `json:"quorum"`
		Replicas []string `json:"replicas"`
	}{
		Self:   string(s.self),
		Quorum: s.brb.Quorum(),
	}
	for _, id := range s.roles {
		doc.Replicas = append(doc.Replicas, string(id))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
