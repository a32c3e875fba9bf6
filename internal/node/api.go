package node

import (
	"encoding/json"
	"net/http"

	"github.com/tunnelmesh/meshsync/internal/coord/transport"
	"github.com/tunnelmesh/meshsync/internal/metrics"
)

// MembersResponse is the body of GET /api/members.
type MembersResponse struct {
	Local   string   `json:"local"`
	Members []string `json:"members"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Members int    `json:"members"`
	Pending int    `json:"pending"`
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	if n.mesh != nil {
		mux.Handle(transport.RoutePattern, n.mesh)
	}
	mux.HandleFunc("GET /api/members", n.handleMembers)
	mux.HandleFunc("GET /healthz", n.handleHealth)
	if n.metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

func (n *Node) handleMembers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, MembersResponse{Local: n.Name(), Members: n.Members()})
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, HealthResponse{
		Status:  "ok",
		Members: len(n.Members()),
		Pending: n.Pending(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
