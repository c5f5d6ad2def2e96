package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/drover-io/drover/cluster"
	"github.com/drover-io/drover/rollout"
	"github.com/gorilla/mux"
	"zombiezen.com/go/log"
)

// Service is the read-mostly operator surface: census snapshots, liveness
// pings, and the single mutating action of setting a group target.
type Service struct {
	supervisor *Supervisor
	router     *mux.Router
	ctx        context.Context
	port       int
}

type PingResponse struct {
	MemberID string `json:"member_id"`
	Epoch    int64  `json:"epoch"`
}

type CensusMember struct {
	ID             string   `json:"id"`
	Hostname       string   `json:"hostname"`
	Address        string   `json:"address"`
	Incarnation    int64    `json:"incarnation"`
	PackageVersion string   `json:"package_version"`
	Health         string   `json:"health"`
	Vote           string   `json:"vote"`
	RolloutState   string   `json:"rollout_state,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

type CensusResponse struct {
	Service    string         `json:"service"`
	Group      string         `json:"group"`
	LeaderID   string         `json:"leader_id,omitempty"`
	QuorumSize int            `json:"quorum_size"`
	Members    []CensusMember `json:"members"`
}

type TargetRequest struct {
	Version string `json:"version"`
}

func NewService(ctx context.Context, supervisor *Supervisor, port int) *Service {
	s := &Service{
		supervisor: supervisor,
		ctx:        ctx,
		port:       port,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/v1/census", s.handleCensus).Methods(http.MethodGet)
	r.HandleFunc("/v1/target", s.handleSetTarget).Methods(http.MethodPost)
	s.router = r

	return s
}

func (s *Service) Serve() error {
	log.Infof(s.ctx, "Serving operator API on 0.0.0.0:%d", s.port)
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.router)
}

func (s *Service) handlePing(w http.ResponseWriter, r *http.Request) {
	member := s.supervisor.Member()
	writeJSON(w, http.StatusOK, PingResponse{
		MemberID: member.ID,
		Epoch:    s.supervisor.Ping(),
	})
}

func (s *Service) handleCensus(w http.ResponseWriter, r *http.Request) {
	grp := s.supervisor.Census()
	tag := r.URL.Query().Get("tag")

	members := make([]CensusMember, 0, len(grp.Members))
	for _, m := range grp.Members {
		if tag != "" && !m.HasTag(tag) {
			continue
		}
		members = append(members, toCensusMember(m))
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})

	writeJSON(w, http.StatusOK, CensusResponse{
		Service:    grp.Service,
		Group:      grp.Group,
		LeaderID:   grp.LeaderID,
		QuorumSize: grp.QuorumSize,
		Members:    members,
	})
}

func (s *Service) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.supervisor.SetTarget(req.Version); err != nil {
		var cfgErr *rollout.ConfigError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Infof(s.ctx, "Target version for group set to %s", req.Version)
	writeJSON(w, http.StatusAccepted, map[string]string{"version": req.Version})
}

func toCensusMember(m cluster.Member) CensusMember {
	return CensusMember{
		ID:             m.ID,
		Hostname:       m.Hostname,
		Address:        m.Address,
		Incarnation:    m.Incarnation,
		PackageVersion: m.PackageVersion,
		Health:         m.Health.String(),
		Vote:           m.Vote,
		RolloutState:   m.RolloutState,
		Tags:           m.Tags,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
