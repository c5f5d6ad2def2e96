// Package census derives per-service-group state from a supervisor's
// membership view: the group roster, its quorum, and the current leader.
package census

import (
	"sort"

	"github.com/drover-io/drover/cluster"
)

// Group is the derived census of one (service, group) pair. LeaderID is
// computed by Elect, never set independently, and is empty whenever the
// group cannot or has not elected.
type Group struct {
	Service    string
	Group      string
	Members    map[string]cluster.Member
	LeaderID   string
	QuorumSize int
}

// Rebuild derives a census group from a snapshot of the membership view.
// It is a pure function of its input: two supervisors that have converged
// on the same membership records derive identical groups. Departed members
// stay in the roster for observability but count toward nothing.
func Rebuild(service, group string, members []cluster.Member) *Group {
	g := &Group{
		Service: service,
		Group:   group,
		Members: make(map[string]cluster.Member, len(members)),
	}

	population := 0
	for _, m := range members {
		if m.Service != service || m.Group != group {
			continue
		}
		g.Members[m.ID] = m
		if m.Health != cluster.HealthDeparted {
			population++
		}
	}

	// Majority of the members that have not permanently left. Departed
	// members would otherwise wedge elections forever after churn.
	g.QuorumSize = population/2 + 1
	return g
}

// Alive returns the electable members ordered by ID, so that every
// supervisor iterating the same converged group walks it identically.
func (g *Group) Alive() []cluster.Member {
	alive := make([]cluster.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.IsEligible() {
			alive = append(alive, m)
		}
	}
	sort.Slice(alive, func(i, j int) bool {
		return alive[i].ID < alive[j].ID
	})
	return alive
}

// HasQuorum reports whether enough members are alive to elect a leader.
func (g *Group) HasQuorum() bool {
	return len(g.Alive()) >= g.QuorumSize
}

// Leader returns the elected leader's record, if one holds the seat.
func (g *Group) Leader() (cluster.Member, bool) {
	if g.LeaderID == "" {
		return cluster.Member{}, false
	}
	m, ok := g.Members[g.LeaderID]
	if !ok || !m.IsEligible() {
		return cluster.Member{}, false
	}
	return m, true
}

// VotesConverged reports whether every alive member's announced vote
// agrees with the given leader.
func (g *Group) VotesConverged(leaderID string) bool {
	for _, m := range g.Alive() {
		if m.Vote != leaderID {
			return false
		}
	}
	return leaderID != ""
}
